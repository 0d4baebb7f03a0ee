// Package netdoc parses the line-oriented directory documents this client
// consumes: microdescriptors (this file) and, via the sibling consensus
// package in directory/, network-status consensus documents. Microdescriptor
// parsing follows the grammar of the deployed format: a mandatory onion-key
// object first, then a run of optional keyword lines, bound together by a
// SHA-256 digest over the exact bytes that made up the record.
package netdoc

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Extent is a byte range within a source document.
type Extent struct {
	Start, End int
}

// Microdescriptor is an immutable, digest-bound relay summary.
type Microdescriptor struct {
	Digest       [32]byte
	NtorOnionKey [32]byte
	Family       []FamilyMember
	IPv4Policy   PortPolicy
	IPv6Policy   PortPolicy
	Ed25519ID    [32]byte
}

// Annotation is the optional persisted metadata that may precede a
// microdescriptor in an annotated document. It is not covered by the digest.
type Annotation struct {
	LastListed time.Time
	HasLastListed bool
}

// AnnotatedMicrodesc is one entry produced by Reader: either a successfully
// parsed microdescriptor plus its extent, or a non-fatal parse error.
type AnnotatedMicrodesc struct {
	MD     *Microdescriptor
	Ann    Annotation
	Extent Extent
	Err    error
}

const onionKeyLabel = "RSA PUBLIC KEY"

// ParseMicrodescriptor parses exactly one, unannotated microdescriptor
// starting at the beginning of data. It is a thin wrapper over the same
// logic the streaming Reader uses, for callers that already know they have
// a single record (e.g. a per-relay microdescriptor fetch).
func ParseMicrodescriptor(data []byte) (*Microdescriptor, Extent, error) {
	md, _, extent, _, err := parseOne(data, 0, false)
	return md, extent, err
}

// Reader produces a lazy sequence of microdescriptors over a document that
// concatenates many, recovering from malformed records so that one bad
// microdescriptor does not prevent the rest of the document from being
// read. Set annotated to true when each record may be preceded by
// "@"-prefixed annotation lines (as in the on-disk cached-microdescriptors
// format); directory-fetched batches are not annotated.
type Reader struct {
	data      []byte
	pos       int
	annotated bool
}

func NewReader(data []byte, annotated bool) *Reader {
	return &Reader{data: data, annotated: annotated}
}

// Next returns the next entry, or ok=false at end of input. Entries with a
// non-nil Err are non-fatal: the reader has already recovered and the next
// call to Next will continue from the following record (or end of input).
func (r *Reader) Next() (AnnotatedMicrodesc, bool) {
	if r.pos >= len(r.data) {
		return AnnotatedMicrodesc{}, false
	}

	startPos := r.pos
	md, ann, extent, nextPos, err := parseOne(r.data, r.pos, r.annotated)
	if err == nil {
		r.pos = nextPos
		return AnnotatedMicrodesc{MD: md, Ann: ann, Extent: extent}, true
	}

	// Forward-progress guarantee: if the failing attempt consumed no
	// tokens at all, drop exactly one token before scanning for the next
	// resync point, so a degenerate input can never stall the reader.
	if nextPos <= startPos {
		nextPos = dropOneToken(r.data, startPos)
	}
	r.pos = advanceToNextMicrodesc(r.data, nextPos, r.annotated)
	return AnnotatedMicrodesc{Err: err}, true
}

// parseOne parses one microdescriptor (and, if annotated, its preceding
// annotation lines) starting at pos. On success it returns the parsed value,
// its extent, and the position immediately after it (the start of the next
// record or end of input). On failure it returns a non-nil error and the
// furthest position it managed to consume before failing.
func parseOne(data []byte, pos int, annotated bool) (*Microdescriptor, Annotation, Extent, int, error) {
	var ann Annotation

	if annotated {
		for {
			line, lineEnd, ok := peekLine(data, pos)
			if !ok || !strings.HasPrefix(line, "@") {
				break
			}
			if strings.HasPrefix(line, "@last-listed ") {
				if t, err := time.Parse("2006-01-02 15:04:05", strings.TrimSpace(line[len("@last-listed "):])); err == nil {
					ann.LastListed = t
					ann.HasLastListed = true
				}
			}
			pos = lineEnd
		}
	}

	mdStart := pos
	line, lineEnd, ok := peekLine(data, pos)
	if !ok {
		return nil, ann, Extent{}, pos, nil // clean end of input, not an error
	}
	kw, _ := splitKeyword(line)
	if kw != "onion-key" {
		return nil, ann, Extent{}, lineEnd, newParseError(data, pos, WrongStartingToken, kw, nil)
	}
	pos = lineEnd

	objBody, objEnd, err := parseObject(data, pos, onionKeyLabel)
	if err != nil {
		return nil, ann, Extent{}, objEnd, err
	}
	if err := validateLegacyOnionKey(data, pos, objBody); err != nil {
		return nil, ann, Extent{}, objEnd, err
	}
	pos = objEnd
	lastRecognizedEnd := pos

	md := &Microdescriptor{IPv4Policy: RejectAllPolicy, IPv6Policy: RejectAllPolicy}
	haveNtor := false
	haveEd25519 := false

	for {
		line, lineEnd, ok := peekLine(data, pos)
		if !ok {
			break
		}
		if annotated && strings.HasPrefix(line, "@") {
			break
		}
		kw, args := splitKeyword(line)
		if kw == "onion-key" {
			break
		}

		switch kw {
		case "ntor-onion-key":
			key, err := decodeFixed32(args)
			if err != nil {
				return nil, ann, Extent{}, lineEnd, newParseError(data, pos, BadObject, kw, err)
			}
			md.NtorOnionKey = key
			haveNtor = true
			pos = lineEnd
			lastRecognizedEnd = pos

		case "family":
			for _, tok := range args {
				md.Family = append(md.Family, parseFamilyMember(tok))
			}
			pos = lineEnd
			lastRecognizedEnd = pos

		case "p":
			pol, err := parsePortPolicy(data, pos, kw, args)
			if err != nil {
				return nil, ann, Extent{}, lineEnd, err
			}
			md.IPv4Policy = pol
			pos = lineEnd
			lastRecognizedEnd = pos

		case "p6":
			pol, err := parsePortPolicy(data, pos, kw, args)
			if err != nil {
				return nil, ann, Extent{}, lineEnd, err
			}
			md.IPv6Policy = pol
			pos = lineEnd
			lastRecognizedEnd = pos

		case "id":
			if len(args) >= 2 && args[0] == "ed25519" {
				key, err := decodeFixed32([]string{args[1]})
				if err != nil {
					return nil, ann, Extent{}, lineEnd, newParseError(data, pos, BadObject, kw, err)
				}
				md.Ed25519ID = key
				haveEd25519 = true
			}
			pos = lineEnd
			lastRecognizedEnd = pos

		default:
			// Unknown keywords are tolerated and skipped; they do not
			// extend the digest-bound text range.
			pos = lineEnd
		}
	}

	nextPos := pos
	if !haveNtor {
		return nil, ann, Extent{}, nextPos, newParseError(data, mdStart, MissingToken, "ntor-onion-key", nil)
	}
	if !haveEd25519 {
		return nil, ann, Extent{}, nextPos, newParseError(data, mdStart, MissingToken, "id ed25519", nil)
	}

	text := data[mdStart:lastRecognizedEnd]
	md.Digest = sha256.Sum256(text)
	return md, ann, Extent{Start: mdStart, End: lastRecognizedEnd}, nextPos, nil
}

// dropOneToken advances past exactly one line (or, at end of input, does
// not move at all), guaranteeing the reader cannot spin forever on an
// attempt that consumed nothing.
func dropOneToken(data []byte, pos int) int {
	_, lineEnd, ok := peekLine(data, pos)
	if !ok {
		return pos
	}
	return lineEnd
}

// advanceToNextMicrodesc scans forward from pos to the next line that could
// begin a record: an "@" annotation (if annotated) or "onion-key". It never
// consumes more than it must to find that boundary, and returns len(data)
// if no such line exists.
func advanceToNextMicrodesc(data []byte, pos int, annotated bool) int {
	for {
		line, lineEnd, ok := peekLine(data, pos)
		if !ok {
			return len(data)
		}
		if annotated && strings.HasPrefix(line, "@") {
			return pos
		}
		kw, _ := splitKeyword(line)
		if kw == "onion-key" {
			return pos
		}
		pos = lineEnd
	}
}

// peekLine returns the line starting at pos (without its trailing newline),
// the offset immediately after that newline, and whether a line was found.
func peekLine(data []byte, pos int) (string, int, bool) {
	if pos >= len(data) {
		return "", pos, false
	}
	nl := strings.IndexByte(string(data[pos:]), '\n')
	if nl < 0 {
		line := strings.TrimRight(string(data[pos:]), "\r")
		return line, len(data), true
	}
	line := strings.TrimRight(string(data[pos:pos+nl]), "\r")
	return line, pos + nl + 1, true
}

func splitKeyword(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// parseObject parses a "-----BEGIN <label>-----" / "-----END <label>-----"
// wrapped base64 object starting at pos, returning the decoded body and the
// offset immediately after the END line.
func parseObject(data []byte, pos int, label string) ([]byte, int, error) {
	beginMarker := "-----BEGIN " + label + "-----"
	endMarker := "-----END " + label + "-----"

	line, lineEnd, ok := peekLine(data, pos)
	if !ok || line != beginMarker {
		return nil, lineEnd, newParseError(data, pos, BadObject, "onion-key", fmt.Errorf("expected %q", beginMarker))
	}
	pos = lineEnd

	var b64 strings.Builder
	for {
		line, lineEnd, ok := peekLine(data, pos)
		if !ok {
			return nil, pos, newParseError(data, pos, BadObject, "onion-key", fmt.Errorf("unterminated object, expected %q", endMarker))
		}
		if line == endMarker {
			pos = lineEnd
			break
		}
		b64.WriteString(line)
		pos = lineEnd
	}

	body, err := base64.StdEncoding.DecodeString(b64.String())
	if err != nil {
		return nil, pos, newParseError(data, pos, BadObject, "onion-key", err)
	}
	return body, pos, nil
}

// validateLegacyOnionKey checks the well-formedness of the discarded TAP RSA
// onion key: a 1024-bit modulus with exponent 65537.
func validateLegacyOnionKey(data []byte, pos int, der []byte) error {
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return newParseError(data, pos, BadObject, "onion-key", err)
	}
	if pub.N.BitLen() != 1024 {
		return newParseError(data, pos, BadObject, "onion-key", fmt.Errorf("RSA modulus is %d bits, want 1024", pub.N.BitLen()))
	}
	if pub.E != 65537 {
		return newParseError(data, pos, BadObject, "onion-key", fmt.Errorf("RSA exponent is %d, want 65537", pub.E))
	}
	return nil
}

// decodeFixed32 base64-decodes args[0] (tolerating the unpadded encoding
// Tor documents commonly use) into a 32-byte array, as used for both
// curve25519 and Ed25519 keys carried in microdescriptor keyword lines.
func decodeFixed32(args []string) ([32]byte, error) {
	var out [32]byte
	if len(args) < 1 {
		return out, fmt.Errorf("missing key argument")
	}
	raw, err := decodeBase64Loose(args[0])
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("key is %d bytes, want 32", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func decodeBase64Loose(s string) ([]byte, error) {
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// Ed25519Key returns the relay's Ed25519 identity key in the typed form
// crypto/ed25519 and the cert package expect.
func (m *Microdescriptor) Ed25519Key() ed25519.PublicKey {
	k := make(ed25519.PublicKey, 32)
	copy(k, m.Ed25519ID[:])
	return k
}

// HasFamilyMember reports whether id names a relay declared in this
// microdescriptor's family. Family entries with only a bare nickname never
// match, since a nickname alone is not authenticated.
func (m *Microdescriptor) HasFamilyMember(id RelayID) bool {
	for _, fm := range m.Family {
		if fm.HasID && fm.ID.Overlaps(id) {
			return true
		}
	}
	return false
}
