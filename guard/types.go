// Package guard maintains a persistent sample of first-hop relays,
// hands them out for circuit attempts with an asynchronously-resolved
// usability verdict, and retires or replaces guards based on outcome
// reports and directory churn.
package guard

import (
	"time"

	"github.com/torcore/tor-core/directory"
)

// Identity is the pair of identity keys a guard is known by. At least
// one must be present; a comparison between two Identity values counts
// as a match only on the identity types both sides carry.
type Identity struct {
	RSA        [20]byte
	HasRSA     bool
	Ed25519    [32]byte
	HasEd25519 bool
}

// Overlaps reports whether a and b could name the same relay: every
// identity type present on both sides must agree, and at least one
// type must be shared for the comparison to mean anything.
func (a Identity) Overlaps(b Identity) bool {
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

// IdentityFromRelay extracts the identity pair a consensus entry
// advertises.
func IdentityFromRelay(r directory.Relay) Identity {
	return Identity{
		RSA:        r.Identity,
		HasRSA:     true,
		Ed25519:    r.Ed25519ID,
		HasEd25519: r.HasEd25519,
	}
}

// ConfirmState tracks how much history a guard has accumulated.
type ConfirmState int

const (
	New ConfirmState = iota
	Unconfirmed
	Confirmed
)

// WorkingState tracks whether recent attempts through a guard have
// succeeded.
type WorkingState int

const (
	Working WorkingState = iota
	Unreachable
)

// ListedState tracks whether a guard still appears in the current
// universe.
type ListedState int

const (
	Listed ListedState = iota
	Unlisted
	Uncertain
)

// Guard is one entry in the sample.
type Guard struct {
	Identity  Identity
	Address   string
	ORPort    uint16
	Bandwidth int64

	FirstSampled   time.Time
	ConfirmedAt    time.Time
	HasConfirmedAt bool
	LastTried      time.Time
	HasLastTried   bool

	Confirm ConfirmState
	Work    WorkingState
	Listing ListedState

	DisabledReason string
	Disabled       bool

	// UnreachableSince and backoff fields support exponential back-off
	// for transient failures; see retry.go for the schedule shape.
	UnreachableSince time.Time
	FailCount        int

	// UncertainSince records when this guard last dropped out of the
	// universe (update_network saw it absent from GuardCandidates).
	// Retirement compares both this and UnreachableSince against
	// Params.UnreachableRetention.
	UncertainSince    time.Time
	HasUncertainSince bool
}

// Usable reports whether this guard may currently be handed out at
// all: not permanently disabled. A guard that is merely Unreachable
// can still be selected; doSelect's backingOff check is what decides
// whether its backoff has elapsed.
func (g *Guard) Usable() bool {
	return !g.Disabled
}
