package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/torcore/tor-core/directory"
	"github.com/torcore/tor-core/guard"
	"github.com/torcore/tor-core/link"
	"github.com/torcore/tor-core/runtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func skipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
}

// fetchConsensusAndCerts bootstraps a fresh consensus and key certs from the
// real Tor network via directory.Bootstrap and returns the parsed result.
func fetchConsensusAndCerts(t *testing.T, rt runtime.Runtime) *directory.Consensus {
	t.Helper()

	t.Log("Bootstrapping from directory authorities...")
	consensus, keyCerts, err := directory.Bootstrap(context.Background(), rt, testLogger())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	t.Logf("  Got %d key certs, consensus with %d relays", len(keyCerts), len(consensus.Relays))
	return consensus
}

// TestE2EConsensusAndSignatures tests fetching and cryptographically verifying
// a real consensus from the Tor network.
func TestE2EConsensusAndSignatures(t *testing.T) {
	skipIfShort(t)

	rt := runtime.NewReal()

	keyCerts, err := directory.FetchKeyCerts(context.Background(), rt, testLogger())
	if err != nil {
		t.Fatalf("FetchKeyCerts: %v", err)
	}
	if len(keyCerts) < 5 {
		t.Fatalf("expected ≥5 key certs, got %d", len(keyCerts))
	}
	t.Logf("Fetched %d key certs", len(keyCerts))

	text, err := directory.FetchConsensus(context.Background(), rt, testLogger())
	if err != nil {
		t.Fatalf("FetchConsensus: %v", err)
	}
	if len(text) < 1000 {
		t.Fatalf("consensus too small: %d bytes", len(text))
	}

	if err := directory.ValidateSignatures(text, keyCerts); err != nil {
		t.Fatalf("ValidateSignatures (crypto): %v", err)
	}
	if err := directory.ValidateSignaturesStructural(text); err != nil {
		t.Fatalf("ValidateSignaturesStructural: %v", err)
	}

	consensus, err := directory.ParseConsensus(text)
	if err != nil {
		t.Fatalf("ParseConsensus: %v", err)
	}

	if len(consensus.Relays) < 1000 {
		t.Fatalf("expected >1000 relays, got %d", len(consensus.Relays))
	}
	if consensus.ValidAfter.IsZero() || consensus.ValidUntil.IsZero() || consensus.FreshUntil.IsZero() {
		t.Fatal("consensus missing timestamps")
	}
	if err := directory.ValidateFreshness(consensus); err != nil {
		t.Fatalf("ValidateFreshness: %v", err)
	}

	t.Logf("Consensus: %d relays, valid %s to %s",
		len(consensus.Relays),
		consensus.ValidAfter.Format(time.RFC3339),
		consensus.ValidUntil.Format(time.RFC3339))
}

// TestE2EGuardSampleAndChannel exercises the full path a real client would
// take: build a guard sample from a live consensus, select a guard, and
// complete a real channel handshake against it.
func TestE2EGuardSampleAndChannel(t *testing.T) {
	skipIfShort(t)
	logger := testLogger()
	rt := runtime.NewReal()

	consensus := fetchConsensusAndCerts(t, rt)

	universe := guard.ConsensusUniverse{Consensus: consensus}
	mgr := guard.New(rt, universe, guard.DefaultParams)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Spawn(func() { mgr.Run(ctx) })

	if err := mgr.ReplaceGuards(ctx, guard.DefaultParams); err != nil {
		t.Fatalf("ReplaceGuards: %v", err)
	}

	sample, err := mgr.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if sample.Len() < guard.DefaultParams.MinSample {
		t.Fatalf("expected ≥%d guards, got %d", guard.DefaultParams.MinSample, sample.Len())
	}
	t.Logf("Guard sample populated with %d entries", sample.Len())

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		id, mon, fut, err := mgr.SelectGuard(ctx, guard.AnyUsage)
		if err != nil {
			t.Fatalf("SelectGuard: %v", err)
		}
		g := sample.Find(id)
		if g == nil {
			t.Fatalf("selected guard %v not found in snapshot", id)
		}

		addr := fmt.Sprintf("%s:%d", g.Address, g.ORPort)
		dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
		ch, err := link.Dial(dialCtx, addr, rt, logger)
		dialCancel()
		if err != nil {
			mon.Failed()
			lastErr = err
			t.Logf("  Attempt %d: handshake with %s failed: %v", attempt, addr, err)
			continue
		}

		mon.Succeeded()
		if !fut.Await() {
			t.Log("  Guard preempted after success; trying again")
			_ = ch.Close()
			continue
		}

		t.Logf("Channel open: version=%d peer=%x", ch.Version(), []byte(ch.PeerIdentity.Ed25519))
		_ = ch.Close()
		return
	}
	t.Fatalf("no guard reachable after 5 attempts, last error: %v", lastErr)
}
