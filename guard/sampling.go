package guard

import (
	"crypto/rand"
	"math/big"

	"github.com/torcore/tor-core/directory"
	"github.com/torcore/tor-core/torerr"
)

// Universe abstracts over a directory snapshot so the manager can be
// tested against a fixed relay list instead of a live consensus fetch.
type Universe interface {
	// GuardCandidates returns every relay eligible to be drawn into the
	// sample: flagged Guard and flagged DirCache, Running and Valid.
	GuardCandidates() []directory.Relay

	// GuardFlaggedBandwidth returns the total bandwidth weight of every
	// Guard-flagged relay in the universe, the denominator for the
	// sample's weight-cap invariant.
	GuardFlaggedBandwidth() int64
}

// ConsensusUniverse adapts a parsed consensus to the Universe interface.
type ConsensusUniverse struct {
	Consensus *directory.Consensus
}

func (u ConsensusUniverse) GuardCandidates() []directory.Relay {
	var out []directory.Relay
	for _, r := range u.Consensus.Relays {
		if r.Flags.Guard && r.Flags.DirCache && r.Flags.Running && r.Flags.Valid {
			out = append(out, r)
		}
	}
	return out
}

func (u ConsensusUniverse) GuardFlaggedBandwidth() int64 {
	var total int64
	for _, r := range u.Consensus.Relays {
		if r.Flags.Guard {
			total += r.Bandwidth
		}
	}
	return total
}

// weightedRandom selects an index proportional to the given weights
// using crypto/rand, falling back to uniform selection when every
// weight is zero so a zero-bandwidth universe still makes progress.
func weightedRandom(weights []int64) (int, error) {
	if len(weights) == 0 {
		return 0, torerr.Internal("weightedRandom called with no candidates")
	}

	var total int64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}

	if total <= 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(weights))))
		if err != nil {
			return 0, torerr.Wrap(torerr.KindInternal, "crypto/rand", err)
		}
		return int(n.Int64()), nil
	}

	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return 0, torerr.Wrap(torerr.KindInternal, "crypto/rand", err)
	}
	r := n.Int64()

	var cumulative int64
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		cumulative += w
		if r < cumulative {
			return i, nil
		}
	}
	return len(weights) - 1, nil
}

// drawGuards pulls up to n relays from the universe's guard candidates
// by bandwidth weight, skipping any that overlap an identity already
// in existing.
func drawGuards(u Universe, existing *Sample, n int) ([]directory.Relay, error) {
	candidates := u.GuardCandidates()

	var picked []directory.Relay
	for len(picked) < n {
		var pool []directory.Relay
		var weights []int64
		for _, r := range candidates {
			id := IdentityFromRelay(r)
			if existing.HasIdentityOverlap(id) {
				continue
			}
			if overlapsAny(picked, r) {
				continue
			}
			pool = append(pool, r)
			weights = append(weights, r.Bandwidth)
		}
		if len(pool) == 0 {
			break
		}
		idx, err := weightedRandom(weights)
		if err != nil {
			return nil, err
		}
		picked = append(picked, pool[idx])
	}
	return picked, nil
}

func overlapsAny(picked []directory.Relay, r directory.Relay) bool {
	id := IdentityFromRelay(r)
	for _, p := range picked {
		if IdentityFromRelay(p).Overlaps(id) {
			return true
		}
	}
	return false
}
