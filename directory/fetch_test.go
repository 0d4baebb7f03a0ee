package directory

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/torcore/tor-core/runtime"
	"github.com/torcore/tor-core/torerr"
)

// dialToServer builds a runtime.Fake whose DialContext ignores the
// requested address and always connects to srv, so DirAuthorities-shaped
// host:port strings can be exercised against an in-process httptest.Server.
func dialToServer(srv *httptest.Server) *runtime.Fake {
	rt := runtime.NewFake(time.Now())
	rt.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, strings.TrimPrefix(srv.URL, "http://"))
	}
	return rt
}

// withSingleAuthority replaces the package-level DirAuthorities for the
// duration of a test and restores it afterward, so fetch tests don't
// depend on real directory authority hostnames.
func withSingleAuthority(t *testing.T, addr string) {
	t.Helper()
	orig := DirAuthorities
	DirAuthorities = []string{addr}
	t.Cleanup(func() { DirAuthorities = orig })
}

func TestFetchConsensusFromSuccess(t *testing.T) {
	const body = "network-status-version 3 microdesc\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tor/status-vote/current/consensus-microdesc" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	rt := dialToServer(srv)
	got, err := FetchConsensusFrom(context.Background(), rt, "authority.example:80")
	if err != nil {
		t.Fatalf("FetchConsensusFrom: %v", err)
	}
	if got != body {
		t.Fatalf("got %q, want %q", got, body)
	}
}

func TestFetchConsensusTriesNextAuthorityOnFailure(t *testing.T) {
	const body = "network-status-version 3 microdesc\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	rt := runtime.NewFake(time.Now())
	rt.Dialer = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if addr == "bad.example:80" {
			return nil, errors.New("connection refused")
		}
		var d net.Dialer
		return d.DialContext(ctx, network, strings.TrimPrefix(srv.URL, "http://"))
	}

	orig := DirAuthorities
	DirAuthorities = []string{"bad.example:80", "authority.example:80"}
	t.Cleanup(func() { DirAuthorities = orig })

	got, err := FetchConsensus(context.Background(), rt, nil)
	if err != nil {
		t.Fatalf("FetchConsensus: %v", err)
	}
	if got != body {
		t.Fatalf("got %q, want %q", got, body)
	}
}

func TestFetchConsensusAllAuthoritiesFailReturnsTimeoutKind(t *testing.T) {
	rt := runtime.NewFake(time.Now()) // no Dialer configured: every dial fails
	withSingleAuthority(t, "unreachable.example:80")

	_, err := FetchConsensus(context.Background(), rt, nil)
	if err == nil {
		t.Fatal("expected error when every authority is unreachable")
	}
	var te *torerr.Error
	if !errors.As(err, &te) {
		t.Fatalf("expected a *torerr.Error, got %T", err)
	}
	if te.Kind != torerr.KindTimeout {
		t.Fatalf("expected KindTimeout, got %v", te.Kind)
	}
}

func TestFetchConsensusHTTPErrorStatusIsProtocolKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rt := dialToServer(srv)
	_, err := FetchConsensusFrom(context.Background(), rt, "authority.example:80")
	if err == nil {
		t.Fatal("expected error on non-200 response")
	}
	var te *torerr.Error
	if !errors.As(err, &te) || te.Kind != torerr.KindProtocol {
		t.Fatalf("expected KindProtocol, got %v (%T)", err, err)
	}
}

// keyCertServer returns an httptest.Server that serves a single, valid
// moria1 key certificate at /tor/keys/all.
func keyCertServer(t *testing.T) *httptest.Server {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	derBytes := x509.MarshalPKCS1PublicKey(&key.PublicKey)
	pemBlock := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: derBytes})
	fp := "F533C81CEF0BC0267857C99B2F471ADF249FA232" // moria1
	expires := time.Now().Add(365 * 24 * time.Hour).UTC().Format("2006-01-02 15:04:05")

	body := "dir-key-certificate-version 3\n" +
		"fingerprint " + fp + "\n" +
		"dir-key-published 2025-01-01 00:00:00\n" +
		"dir-key-expires " + expires + "\n" +
		"dir-identity-key\n" +
		"-----BEGIN RSA PUBLIC KEY-----\nMIIB... (fake identity key, not parsed)\n-----END RSA PUBLIC KEY-----\n" +
		"dir-signing-key\n" + string(pemBlock) +
		"dir-key-crosscert\n-----BEGIN ID SIGNATURE-----\nfake\n-----END ID SIGNATURE-----\n" +
		"dir-key-certification\n-----BEGIN SIGNATURE-----\nfake\n-----END SIGNATURE-----\n"

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tor/keys/all" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(body))
	}))
}

func TestFetchKeyCertsSuccess(t *testing.T) {
	srv := keyCertServer(t)
	defer srv.Close()

	rt := dialToServer(srv)
	withSingleAuthority(t, "authority.example:80")

	certs, err := FetchKeyCerts(context.Background(), rt, nil)
	if err != nil {
		t.Fatalf("FetchKeyCerts: %v", err)
	}
	if len(certs) != 1 {
		t.Fatalf("expected 1 cert, got %d", len(certs))
	}
}

func TestBootstrapFallsBackToStructuralValidationWhenKeyCertsUnavailable(t *testing.T) {
	var sigs []string
	i := 0
	for fp := range dirAuthorityFingerprints {
		sigs = append(sigs, "directory-signature sha256 "+fp+" AABBCCDD\n-----BEGIN SIGNATURE-----\nfake\n-----END SIGNATURE-----")
		i++
		if i >= 5 {
			break
		}
	}
	now := time.Now().UTC()
	consensusBody := "network-status-version 3 microdesc\n" +
		"valid-after " + now.Add(-1*time.Hour).Format("2006-01-02 15:04:05") + "\n" +
		"fresh-until " + now.Add(1*time.Hour).Format("2006-01-02 15:04:05") + "\n" +
		"valid-until " + now.Add(2*time.Hour).Format("2006-01-02 15:04:05") + "\n" +
		strings.Join(sigs, "\n") + "\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tor/keys/all":
			w.WriteHeader(http.StatusNotFound)
		case "/tor/status-vote/current/consensus-microdesc":
			w.Write([]byte(consensusBody))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	rt := dialToServer(srv)
	withSingleAuthority(t, "authority.example:80")

	consensus, keyCerts, err := Bootstrap(context.Background(), rt, nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if len(keyCerts) != 0 {
		t.Fatalf("expected no key certs (fetch failed), got %d", len(keyCerts))
	}
	if consensus == nil {
		t.Fatal("expected a parsed consensus despite missing key certs")
	}
}
