package link

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/binary"
	"time"

	"github.com/torcore/tor-core/cert"
	"github.com/torcore/tor-core/torerr"
)

// rawCert is one entry parsed out of a CERTS cell body before its bytes
// are handed to the cert package for decoding.
type rawCert struct {
	certType uint8
	body     []byte
}

// parseCertsCell splits a CERTS cell payload into its constituent
// certificate entries: n_certs:u8 | [cert_type:u8 | cert_len:u16_be | cert:bytes]...
func parseCertsCell(payload []byte) ([]rawCert, error) {
	if len(payload) < 1 {
		return nil, torerr.Protocol("CERTS cell: empty payload", nil)
	}
	n := int(payload[0])
	pos := 1

	certs := make([]rawCert, 0, n)
	for i := 0; i < n; i++ {
		if pos+3 > len(payload) {
			return nil, torerr.Protocol("CERTS cell: truncated before cert entry header", nil)
		}
		certType := payload[pos]
		certLen := int(binary.BigEndian.Uint16(payload[pos+1:]))
		pos += 3
		if pos+certLen > len(payload) {
			return nil, torerr.Protocol("CERTS cell: cert body overflows cell", nil)
		}
		certs = append(certs, rawCert{certType: certType, body: payload[pos : pos+certLen]})
		pos += certLen
	}
	return certs, nil
}

func findCert(certs []rawCert, certType cert.CertType) (rawCert, bool) {
	for _, c := range certs {
		if cert.CertType(c.certType) == certType {
			return c, true
		}
	}
	return rawCert{}, false
}

// PeerIdentity is what CERTS validation establishes about the relay on
// the other end of the link: its long-term Ed25519 identity key, bound
// through a signing key to a certificate over the session's TLS
// certificate.
type PeerIdentity struct {
	Ed25519 ed25519.PublicKey
}

// validateCertChain implements the relay-role CERTS validation described
// for the channel handshake: an IDENTITY_V_SIGNING cert binds the
// identity key to a medium-term signing key, and a SIGNING_V_TLS_CERT
// cert (signed by that signing key) binds the signing key to the
// SHA-256 of the session's TLS certificate. Both certs must verify their
// signature and not be expired as of now.
func validateCertChain(payload []byte, peerTLSCertHash [32]byte, now time.Time) (PeerIdentity, error) {
	certs, err := parseCertsCell(payload)
	if err != nil {
		return PeerIdentity{}, err
	}

	idRaw, ok := findCert(certs, cert.TypeIdentityVSigning)
	if !ok {
		return PeerIdentity{}, torerr.CertVerify("CERTS: missing IDENTITY_V_SIGNING certificate", nil)
	}
	idParsed, err := cert.Decode(idRaw.body)
	if err != nil {
		return PeerIdentity{}, err
	}
	// IDENTITY_V_SIGNING is self-contained: the identity key that signs it
	// is carried in its own SIGNED_WITH_ED25519_KEY extension.
	idBound, err := idParsed.BindKey(nil)
	if err != nil {
		return PeerIdentity{}, err
	}
	idSigChecked, err := idBound.CheckSignature()
	if err != nil {
		return PeerIdentity{}, err
	}
	idTimely, err := idSigChecked.CheckTimely(now)
	if err != nil {
		return PeerIdentity{}, err
	}
	identityKey := idTimely.SigningKey
	signingKey := idTimely.KeyEd25519()

	signRaw, ok := findCert(certs, cert.TypeSigningVTLSCert)
	if !ok {
		return PeerIdentity{}, torerr.CertVerify("CERTS: missing SIGNING_V_TLS_CERT certificate", nil)
	}
	signParsed, err := cert.Decode(signRaw.body)
	if err != nil {
		return PeerIdentity{}, err
	}
	signBound, err := signParsed.BindKey(signingKey)
	if err != nil {
		return PeerIdentity{}, err
	}
	signSigChecked, err := signBound.CheckSignature()
	if err != nil {
		return PeerIdentity{}, err
	}
	signTimely, err := signSigChecked.CheckTimely(now)
	if err != nil {
		return PeerIdentity{}, err
	}

	if signTimely.KeyType != cert.KeyTypeSHA256OfX509 {
		return PeerIdentity{}, torerr.CertVerify("CERTS: SIGNING_V_TLS_CERT key type is not SHA256-of-X509", nil)
	}
	if subtle.ConstantTimeCompare(signTimely.Key[:], peerTLSCertHash[:]) != 1 {
		return PeerIdentity{}, torerr.CertVerify("CERTS: SIGNING_V_TLS_CERT does not match the session's TLS certificate", nil)
	}

	return PeerIdentity{Ed25519: identityKey}, nil
}
