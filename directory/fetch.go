package directory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/torcore/tor-core/runtime"
	"github.com/torcore/tor-core/torerr"
)

// DirAuthorities lists the well-known directory authorities (from tor
// source, as of 2025), tried in order by FetchConsensus and FetchKeyCerts;
// FetchConsensusFrom contacts only the address it is given.
var DirAuthorities = []string{
	"128.31.0.39:9131",   // moria1
	"86.59.21.38:80",     // tor26
	"194.109.206.212:80", // dizum
	"199.58.81.140:80",   // Faravahar
	"204.13.164.118:80",  // longclaw
	"66.111.2.131:9030",  // bastet
	"193.23.244.244:80",  // dannenberg
	"171.25.193.9:443",   // maatuska
	"154.35.175.225:80",  // gabelmoo
}

// dirClient builds an http.Client whose dialer is the injected Runtime,
// so directory fetches go through the same fake-clock/fake-dialer seam
// as every other network operation in the tree instead of reaching for
// http.DefaultClient directly.
func dirClient(rt runtime.Runtime) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext:        rt.DialContext,
			DisableCompression: true, // Tor directory servers mishandle Accept-Encoding
		},
	}
}

// FetchConsensus fetches the microdescriptor consensus from directory
// authorities, trying each in order until one succeeds.
func FetchConsensus(ctx context.Context, rt runtime.Runtime, logger *slog.Logger) (string, error) {
	logger = orDefaultLogger(logger)
	var lastErr error
	for _, addr := range DirAuthorities {
		body, err := FetchConsensusFrom(ctx, rt, addr)
		if err != nil {
			logger.Debug("consensus fetch failed", "authority", addr, "error", err)
			lastErr = err
			continue
		}
		return body, nil
	}
	return "", torerr.Wrap(torerr.KindTimeout, "directory: all directory authorities failed for consensus", lastErr)
}

// FetchConsensusFrom fetches the microdescriptor consensus from one
// specific directory authority.
func FetchConsensusFrom(ctx context.Context, rt runtime.Runtime, addr string) (string, error) {
	url := fmt.Sprintf("http://%s/tor/status-vote/current/consensus-microdesc", addr)
	// Consensus is typically ~2MB; cap at 10MB for safety.
	return fetchBody(ctx, rt, url, 10*1024*1024)
}

func fetchBody(ctx context.Context, rt runtime.Runtime, url string, limit int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", torerr.Wrap(torerr.KindInternal, "directory: build request for "+url, err)
	}

	resp, err := dirClient(rt).Do(req)
	if err != nil {
		return "", torerr.Wrap(torerr.KindTimeout, "directory: fetch "+url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", torerr.Protocol(fmt.Sprintf("directory: fetch %s: HTTP %d", url, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", torerr.Wrap(torerr.KindProtocol, "directory: read body of "+url, err)
	}
	return string(body), nil
}

func orDefaultLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// Bootstrap runs the sequence the Guard Manager's universe needs before
// it has anything to select from: fetch authority key certificates
// (best effort — a failure here only downgrades signature validation to
// structural, it does not abort bootstrap), fetch a fresh consensus,
// cryptographically validate its signatures, parse it, and check its
// freshness. The returned Consensus is ready to wrap in
// guard.ConsensusUniverse.
func Bootstrap(ctx context.Context, rt runtime.Runtime, logger *slog.Logger) (*Consensus, []KeyCert, error) {
	logger = orDefaultLogger(logger)

	keyCerts, err := FetchKeyCerts(ctx, rt, logger)
	if err != nil {
		logger.Warn("key cert fetch failed, falling back to structural signature validation", "error", err)
		keyCerts = nil
	}

	text, err := FetchConsensus(ctx, rt, logger)
	if err != nil {
		return nil, nil, err
	}

	if err := ValidateSignatures(text, keyCerts); err != nil {
		return nil, nil, err
	}

	consensus, err := ParseConsensus(text)
	if err != nil {
		return nil, nil, err
	}

	if err := ValidateFreshness(consensus); err != nil {
		return nil, nil, err
	}

	logger.Debug("directory bootstrap complete",
		"relays", len(consensus.Relays),
		"key_certs", len(keyCerts),
		"valid_until", consensus.ValidUntil.Format(time.RFC3339))
	return consensus, keyCerts, nil
}
