package guard

import (
	"context"
	"testing"
	"time"

	"github.com/torcore/tor-core/directory"
	"github.com/torcore/tor-core/runtime"
)

type fixedUniverse struct {
	relays []directory.Relay
}

func (u fixedUniverse) GuardCandidates() []directory.Relay {
	return u.relays
}

func (u fixedUniverse) GuardFlaggedBandwidth() int64 {
	var total int64
	for _, r := range u.relays {
		total += r.Bandwidth
	}
	return total
}

func relay(id byte, bw int64) directory.Relay {
	var ident [20]byte
	ident[0] = id
	return directory.Relay{
		Identity:  ident,
		Address:   "1.2.3.4",
		Bandwidth: bw,
		Flags: directory.RelayFlags{
			Guard: true, DirCache: true, Running: true, Valid: true,
		},
	}
}

func newTestManager(t *testing.T, relays []directory.Relay) *Manager {
	t.Helper()
	rt := runtime.NewFake(time.Now())
	u := fixedUniverse{relays: relays}
	m := New(rt, u, DefaultParams)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rt.Async = true
	rt.Spawn(func() { m.Run(ctx) })

	if err := m.ReplaceGuards(context.Background(), DefaultParams); err != nil {
		t.Fatalf("ReplaceGuards: %v", err)
	}
	return m
}

func TestGuardVerdictPrimary(t *testing.T) {
	m := newTestManager(t, []directory.Relay{relay(1, 1000), relay(2, 1000), relay(3, 1000)})

	_, mon, fut, err := m.SelectGuard(context.Background(), AnyUsage)
	if err != nil {
		t.Fatalf("SelectGuard: %v", err)
	}
	verdict, ok := fut.TryAwait()
	if !ok {
		t.Fatalf("expected primary guard's future to be immediately resolved")
	}
	if !verdict {
		t.Errorf("expected primary guard's verdict to be true, got false")
	}
	mon.Succeeded()
}

func TestGuardVerdictDowngrade(t *testing.T) {
	m := newTestManager(t, []directory.Relay{relay(1, 1000), relay(2, 1000), relay(3, 1000)})

	// First selection picks the highest-priority (primary) guard, G1,
	// but we deliberately leave it untried so it stays New/Unconfirmed
	// and does not get reported as working; we want it to remain the
	// highest-priority candidate that G2's verdict is waiting on.
	id1, mon1, _, err := m.SelectGuard(context.Background(), func(g *Guard) bool { return true })
	if err != nil {
		t.Fatalf("SelectGuard (G1): %v", err)
	}

	// Second selection must avoid re-selecting G1; use a predicate that
	// excludes it so we deterministically get G2.
	_, mon2, fut2, err := m.SelectGuard(context.Background(), func(g *Guard) bool {
		return !g.Identity.Overlaps(id1)
	})
	if err != nil {
		t.Fatalf("SelectGuard (G2): %v", err)
	}
	if _, ok := fut2.TryAwait(); ok {
		t.Fatalf("expected non-primary guard's future to be unresolved at selection time")
	}

	// G2 reports success: it is now "waiting" on G1's disposition.
	mon2.Succeeded()
	if _, ok := fut2.TryAwait(); ok {
		t.Fatalf("expected G2's future to still be unresolved while G1 is untried")
	}

	// G1 now reports success too, becoming Confirmed/Working and
	// strictly higher priority than G2: this must resolve G2 to false.
	mon1.Succeeded()

	verdict := fut2.Await()
	if verdict {
		t.Errorf("expected G2's verdict to resolve false once G1 succeeded, got true")
	}
}

func TestSelectGuardExhaustedWhenNoneMatch(t *testing.T) {
	m := newTestManager(t, []directory.Relay{relay(1, 1000)})

	_, _, _, err := m.SelectGuard(context.Background(), func(g *Guard) bool { return false })
	if err == nil {
		t.Fatalf("expected GuardExhausted error")
	}
}

func TestReplaceGuardsRespectsMinimumSampleSize(t *testing.T) {
	m := newTestManager(t, []directory.Relay{relay(1, 1000), relay(2, 1000), relay(3, 1000), relay(4, 1000)})
	if m.sample.Len() < DefaultParams.MinSample {
		t.Fatalf("sample size %d below minimum %d", m.sample.Len(), DefaultParams.MinSample)
	}
}

func TestGuardBackoffGatesReselection(t *testing.T) {
	m := newTestManager(t, []directory.Relay{relay(1, 1000)})

	id, mon, _, err := m.SelectGuard(context.Background(), AnyUsage)
	if err != nil {
		t.Fatalf("SelectGuard: %v", err)
	}
	mon.Failed()

	if _, _, _, err := m.SelectGuard(context.Background(), AnyUsage); err == nil {
		t.Fatalf("expected the only guard to be backed off immediately after a failure")
	}

	fakeRT := m.rt.(*runtime.Fake)
	fakeRT.Advance(DefaultParams.RetryBackoff.InitialDelay * (maxDelayFactor + 8))

	gotID, _, _, err := m.SelectGuard(context.Background(), AnyUsage)
	if err != nil {
		t.Fatalf("SelectGuard after backoff elapsed: %v", err)
	}
	if !gotID.Overlaps(id) {
		t.Fatalf("expected the same guard to become selectable again once backoff elapsed")
	}
}

func TestUpdateNetworkMarksAbsentGuardsUncertain(t *testing.T) {
	all := []directory.Relay{relay(1, 1000), relay(2, 1000), relay(3, 1000)}
	m := newTestManager(t, all)

	// Shrink the universe to exclude relay 1.
	shrunk := fixedUniverse{relays: []directory.Relay{relay(2, 1000), relay(3, 1000)}}
	if err := m.UpdateNetwork(context.Background(), shrunk); err != nil {
		t.Fatalf("UpdateNetwork: %v", err)
	}

	found := false
	for _, g := range m.sample.All() {
		if g.Identity.RSA[0] == 1 {
			found = true
			if g.Listing != Uncertain {
				t.Errorf("expected relay 1 to be Uncertain, got %v", g.Listing)
			}
		}
	}
	if !found {
		t.Skip("relay 1 was not drawn into the sample by weighted sampling this run")
	}
}
