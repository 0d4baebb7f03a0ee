package netdoc

import (
	"encoding/hex"
	"strings"
)

// RelayID identifies a relay by whichever of its two identity keys are
// known: the legacy RSA identity fingerprint and the Ed25519 identity.
type RelayID struct {
	RSA        [20]byte
	HasRSA     bool
	Ed25519    [32]byte
	HasEd25519 bool
}

// Overlaps reports whether a and b could name the same relay: every
// identity type present on both sides must match, and at least one type
// must be present on both sides for the comparison to mean anything. A
// relay with only an RSA fingerprint and one with only an Ed25519 key never
// overlap by this definition, even though neither contradicts the other,
// because there is nothing shared to compare.
func (a RelayID) Overlaps(b RelayID) bool {
	matched := false
	if a.HasRSA && b.HasRSA {
		if a.RSA != b.RSA {
			return false
		}
		matched = true
	}
	if a.HasEd25519 && b.HasEd25519 {
		if a.Ed25519 != b.Ed25519 {
			return false
		}
		matched = true
	}
	return matched
}

// FamilyMember is one entry of a microdescriptor's declared family: the
// deployed format identifies a family member either by bare nickname or
// by "$" followed by a 40-hex-character RSA fingerprint, optionally
// suffixed with "~nickname". Only the fingerprint form carries an
// identity that can be compared with RelayID.Overlaps; a nickname alone
// is advisory and never authenticated.
type FamilyMember struct {
	Nickname string
	ID       RelayID
	HasID    bool
}

// parseFamilyMember decodes a single whitespace-separated token from a
// "family" line.
func parseFamilyMember(tok string) FamilyMember {
	if !strings.HasPrefix(tok, "$") {
		return FamilyMember{Nickname: tok}
	}
	rest := tok[1:]
	nickname := ""
	if idx := strings.IndexByte(rest, '~'); idx >= 0 {
		nickname = rest[idx+1:]
		rest = rest[:idx]
	}
	raw, err := hex.DecodeString(rest)
	if err != nil || len(raw) != 20 {
		return FamilyMember{Nickname: tok}
	}
	var id RelayID
	copy(id.RSA[:], raw)
	id.HasRSA = true
	return FamilyMember{Nickname: nickname, ID: id, HasID: true}
}
