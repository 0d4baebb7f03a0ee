package netdoc

import "testing"

func TestRelayIDOverlaps(t *testing.T) {
	var rsa1, rsa2 [20]byte
	rsa1[0] = 1
	rsa2[0] = 2
	var ed1, ed2 [32]byte
	ed1[0] = 1
	ed2[0] = 2

	cases := []struct {
		name string
		a, b RelayID
		want bool
	}{
		{"identical RSA", RelayID{RSA: rsa1, HasRSA: true}, RelayID{RSA: rsa1, HasRSA: true}, true},
		{"different RSA", RelayID{RSA: rsa1, HasRSA: true}, RelayID{RSA: rsa2, HasRSA: true}, false},
		{"identical Ed25519", RelayID{Ed25519: ed1, HasEd25519: true}, RelayID{Ed25519: ed1, HasEd25519: true}, true},
		{"different Ed25519", RelayID{Ed25519: ed1, HasEd25519: true}, RelayID{Ed25519: ed2, HasEd25519: true}, false},
		{"no overlapping type", RelayID{RSA: rsa1, HasRSA: true}, RelayID{Ed25519: ed1, HasEd25519: true}, false},
		{"neither has any identity", RelayID{}, RelayID{}, false},
		{"RSA matches, Ed25519 conflicts", RelayID{RSA: rsa1, HasRSA: true, Ed25519: ed1, HasEd25519: true}, RelayID{RSA: rsa1, HasRSA: true, Ed25519: ed2, HasEd25519: true}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.a.Overlaps(c.b); got != c.want {
				t.Errorf("Overlaps = %v, want %v", got, c.want)
			}
			if got := c.b.Overlaps(c.a); got != c.want {
				t.Errorf("Overlaps (reversed) = %v, want %v", got, c.want)
			}
		})
	}
}

func TestParseFamilyMemberBareNickname(t *testing.T) {
	fm := parseFamilyMember("Fast1")
	if fm.Nickname != "Fast1" || fm.HasID {
		t.Errorf("parseFamilyMember(bare) = %+v", fm)
	}
}

func TestParseFamilyMemberFingerprintWithNickname(t *testing.T) {
	fm := parseFamilyMember("$0102030405060708090A0B0C0D0E0F1011121314~Fast2")
	if !fm.HasID || fm.Nickname != "Fast2" {
		t.Fatalf("parseFamilyMember(fingerprint) = %+v", fm)
	}
	if !fm.ID.HasRSA || fm.ID.RSA[0] != 0x01 || fm.ID.RSA[19] != 0x14 {
		t.Errorf("parsed fingerprint bytes = %x", fm.ID.RSA)
	}
}

func TestParseFamilyMemberFingerprintWithoutNickname(t *testing.T) {
	fm := parseFamilyMember("$0102030405060708090A0B0C0D0E0F1011121314")
	if !fm.HasID || fm.Nickname != "" {
		t.Fatalf("parseFamilyMember(fingerprint, no nickname) = %+v", fm)
	}
}

func TestParseFamilyMemberMalformedFingerprintFallsBackToNickname(t *testing.T) {
	fm := parseFamilyMember("$not-hex")
	if fm.HasID {
		t.Fatalf("expected malformed fingerprint to not parse as an identity: %+v", fm)
	}
	if fm.Nickname != "$not-hex" {
		t.Errorf("expected raw token preserved as nickname fallback, got %q", fm.Nickname)
	}
}
