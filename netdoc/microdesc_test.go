package netdoc

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

// A genuine 1024-bit RSA public key (exponent 65537), lifted from a real
// relay descriptor, so validateLegacyOnionKey's x509 parse actually
// succeeds instead of rubber-stamping garbage.
const testOnionKeyPEM = `-----BEGIN RSA PUBLIC KEY-----
MIGJAoGBALD6Dbj1okBj4mmz/sCgIGFJk/CTWlMsT3CS1kP7Q2gAaDewEbo1+me3
X5f3QpvZ9Yh2l5Q+btU4a/Yib3pg/KhyX96Z5zrvz9dGPPXGORpwawMIH7Aa+jtp
v2l0misfGCloIamfI5dzayTu9gR4emuKm34tipkfIz6hLkO7xW1nAgMBAAE=
-----END RSA PUBLIC KEY-----`

const testNtorKey = "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE="
const testEd25519Key = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="

func oneGoodMicrodesc() string {
	var b strings.Builder
	b.WriteString("onion-key\n")
	b.WriteString(testOnionKeyPEM)
	b.WriteString("\n")
	b.WriteString("ntor-onion-key " + testNtorKey + "\n")
	b.WriteString("family Fast1 Fast2\n")
	b.WriteString("p accept 80,443,1000-2000\n")
	b.WriteString("id ed25519 " + testEd25519Key + "\n")
	return b.String()
}

func TestParseMicrodescriptorSuccess(t *testing.T) {
	doc := oneGoodMicrodesc()
	md, extent, err := ParseMicrodescriptor([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if md.Family[0].Nickname != "Fast1" || md.Family[1].Nickname != "Fast2" {
		t.Errorf("family = %v", md.Family)
	}
	if md.Family[0].HasID || md.Family[1].HasID {
		t.Errorf("expected bare-nickname family entries to carry no identity")
	}
	if !md.IPv4Policy.Permits(443) {
		t.Errorf("expected port 443 to be permitted")
	}
	if md.IPv4Policy.Permits(22) {
		t.Errorf("expected port 22 to be rejected")
	}
	if extent.Start != 0 || extent.End > len(doc) {
		t.Errorf("extent = %+v, doc len %d", extent, len(doc))
	}

	want := sha256.Sum256([]byte(doc)[extent.Start:extent.End])
	if md.Digest != want {
		t.Errorf("digest mismatch: got %x want %x", md.Digest, want)
	}
}

func TestParseMicrodescriptorDigestExcludesUnrecognizedTrailer(t *testing.T) {
	doc := oneGoodMicrodesc() + "some-unknown-keyword foo bar\n"
	md, extent, err := ParseMicrodescriptor([]byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The digest-bound text must stop at the last recognized item, not
	// extend through the trailing unknown keyword.
	want := sha256.Sum256([]byte(doc)[extent.Start:extent.End])
	if md.Digest != want {
		t.Fatalf("digest mismatch")
	}
	if strings.Contains(string(doc[extent.Start:extent.End]), "some-unknown-keyword") {
		t.Errorf("extent should not include unrecognized trailing keyword")
	}
}

func TestParseMicrodescriptorWrongStartingToken(t *testing.T) {
	doc := "family foo\n" + oneGoodMicrodesc()
	_, _, err := ParseMicrodescriptor([]byte(doc))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if pe.Kind != WrongStartingToken {
		t.Errorf("kind = %v, want WrongStartingToken", pe.Kind)
	}
}

func TestParseMicrodescriptorMissingNtorKey(t *testing.T) {
	doc := "onion-key\n" + testOnionKeyPEM + "\n" + "id ed25519 " + testEd25519Key + "\n"
	_, _, err := ParseMicrodescriptor([]byte(doc))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if pe.Kind != MissingToken || pe.Keyword != "ntor-onion-key" {
		t.Errorf("got kind=%v keyword=%q, want MissingToken/ntor-onion-key", pe.Kind, pe.Keyword)
	}
}

func TestParseMicrodescriptorMissingEd25519ID(t *testing.T) {
	doc := "onion-key\n" + testOnionKeyPEM + "\n" + "ntor-onion-key " + testNtorKey + "\n"
	_, _, err := ParseMicrodescriptor([]byte(doc))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if pe.Kind != MissingToken || pe.Keyword != "id ed25519" {
		t.Errorf("got kind=%v keyword=%q, want MissingToken/id ed25519", pe.Kind, pe.Keyword)
	}
}

func TestParseMicrodescriptorBadOnionKeyObject(t *testing.T) {
	doc := "onion-key\n-----BEGIN RSA PUBLIC KEY-----\nbm90LWEta2V5\n-----END RSA PUBLIC KEY-----\n" +
		"ntor-onion-key " + testNtorKey + "\nid ed25519 " + testEd25519Key + "\n"
	_, _, err := ParseMicrodescriptor([]byte(doc))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if pe.Kind != BadObject {
		t.Errorf("kind = %v, want BadObject", pe.Kind)
	}
}

func TestParseMicrodescriptorBadPortPolicy(t *testing.T) {
	doc := "onion-key\n" + testOnionKeyPEM + "\n" +
		"ntor-onion-key " + testNtorKey + "\n" +
		"p accept notaport\n" +
		"id ed25519 " + testEd25519Key + "\n"
	_, _, err := ParseMicrodescriptor([]byte(doc))
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if pe.Kind != BadPolicy {
		t.Errorf("kind = %v, want BadPolicy", pe.Kind)
	}
}

func TestReaderRecoversAcrossBadRecord(t *testing.T) {
	good := oneGoodMicrodesc()
	bad := "onion-key\nnot-a-pem-object-at-all\n"
	doc := bad + good + bad
	r := NewReader([]byte(doc), false)

	var results []AnnotatedMicrodesc
	for {
		entry, ok := r.Next()
		if !ok {
			break
		}
		results = append(results, entry)
	}

	if len(results) != 3 {
		t.Fatalf("got %d entries, want 3", len(results))
	}
	if results[0].Err == nil {
		t.Errorf("entry 0: expected error")
	}
	if results[1].Err != nil {
		t.Errorf("entry 1: expected success, got %v", results[1].Err)
	}
	if results[1].MD == nil {
		t.Fatalf("entry 1: expected non-nil microdescriptor")
	}
	if results[2].Err == nil {
		t.Errorf("entry 2: expected error")
	}
}

func TestReaderAnnotatedLastListed(t *testing.T) {
	doc := "@last-listed 2025-01-15 12:00:00\n" + oneGoodMicrodesc()
	r := NewReader([]byte(doc), true)
	entry, ok := r.Next()
	if !ok {
		t.Fatalf("expected an entry")
	}
	if entry.Err != nil {
		t.Fatalf("unexpected error: %v", entry.Err)
	}
	if !entry.Ann.HasLastListed {
		t.Fatalf("expected HasLastListed")
	}
	if entry.Ann.LastListed.Year() != 2025 {
		t.Errorf("LastListed = %v", entry.Ann.LastListed)
	}
}

func TestReaderEmptyInput(t *testing.T) {
	r := NewReader(nil, false)
	if _, ok := r.Next(); ok {
		t.Fatalf("expected no entries from empty input")
	}
}

func TestReaderNeverStallsOnDegenerateInput(t *testing.T) {
	// A single line with no newline and no recognizable structure at all:
	// the forward-progress guarantee must still terminate the reader.
	r := NewReader([]byte("x"), false)
	entry, ok := r.Next()
	if !ok {
		t.Fatalf("expected one entry")
	}
	if entry.Err == nil {
		t.Fatalf("expected an error")
	}
	if _, ok := r.Next(); ok {
		t.Fatalf("expected reader to be exhausted")
	}
}

func TestMicrodescriptorEd25519Key(t *testing.T) {
	md, _, err := ParseMicrodescriptor([]byte(oneGoodMicrodesc()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key := md.Ed25519Key()
	if len(key) != 32 {
		t.Fatalf("Ed25519Key() len = %d, want 32", len(key))
	}
}

func TestFamilyLineWithFingerprint(t *testing.T) {
	var fpBytes [20]byte
	for i := range fpBytes {
		fpBytes[i] = byte(i)
	}
	fp := strings.ToUpper(hex.EncodeToString(fpBytes[:]))

	var b strings.Builder
	b.WriteString("onion-key\n")
	b.WriteString(testOnionKeyPEM)
	b.WriteString("\n")
	b.WriteString("ntor-onion-key " + testNtorKey + "\n")
	b.WriteString("family Fast1 $" + fp + "~Fast2\n")
	b.WriteString("p accept 80,443\n")
	b.WriteString("id ed25519 " + testEd25519Key + "\n")

	md, _, err := ParseMicrodescriptor([]byte(b.String()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(md.Family) != 2 {
		t.Fatalf("expected 2 family entries, got %d", len(md.Family))
	}
	if md.Family[0].HasID {
		t.Errorf("bare nickname entry should carry no identity")
	}
	if !md.Family[1].HasID || md.Family[1].Nickname != "Fast2" {
		t.Fatalf("fingerprint entry = %+v", md.Family[1])
	}

	id := RelayID{RSA: fpBytes, HasRSA: true}
	if !md.HasFamilyMember(id) {
		t.Errorf("expected HasFamilyMember to match the declared fingerprint")
	}

	var other RelayID
	other.HasRSA = true
	if md.HasFamilyMember(other) {
		t.Errorf("expected HasFamilyMember not to match an unrelated identity")
	}
}
