package guard

// Sample is the ordered set of candidate guards, stored in insertion
// order. PriorityOrder presents confirmed guards before unconfirmed
// ones, preserving insertion order within each partition. No two
// entries may share any identity.
type Sample struct {
	guards []*Guard
}

// NewSample returns an empty sample.
func NewSample() *Sample {
	return &Sample{}
}

// PriorityOrder returns the sample contents as priority-ordered slice:
// confirmed-and-working, then unconfirmed-and-working, then down.
// This is the iteration order selection uses.
func (s *Sample) PriorityOrder() []*Guard {
	var confirmedWorking, unconfirmedWorking, down []*Guard
	for _, g := range s.guards {
		switch {
		case g.Work == Unreachable:
			down = append(down, g)
		case g.Confirm == Confirmed:
			confirmedWorking = append(confirmedWorking, g)
		default:
			unconfirmedWorking = append(unconfirmedWorking, g)
		}
	}
	out := make([]*Guard, 0, len(s.guards))
	out = append(out, confirmedWorking...)
	out = append(out, unconfirmedWorking...)
	out = append(out, down...)
	return out
}

// All returns every guard in insertion order, regardless of partition.
func (s *Sample) All() []*Guard {
	out := make([]*Guard, len(s.guards))
	copy(out, s.guards)
	return out
}

// Len reports the sample size.
func (s *Sample) Len() int {
	return len(s.guards)
}

// HasIdentityOverlap reports whether id overlaps any guard already in
// the sample.
func (s *Sample) HasIdentityOverlap(id Identity) bool {
	for _, g := range s.guards {
		if g.Identity.Overlaps(id) {
			return true
		}
	}
	return false
}

// Add appends a guard at the tail of the insertion order, whatever its
// confirm status. No re-sort is needed: PriorityOrder partitions
// confirmed from unconfirmed guards on every call.
func (s *Sample) Add(g *Guard) {
	s.guards = append(s.guards, g)
}

// Remove deletes the guard with the given identity, if present.
func (s *Sample) Remove(id Identity) {
	out := s.guards[:0]
	for _, g := range s.guards {
		if !g.Identity.Overlaps(id) {
			out = append(out, g)
		}
	}
	s.guards = out
}

// TotalBandwidth sums the bandwidth of every guard currently in the
// sample.
func (s *Sample) TotalBandwidth() int64 {
	var total int64
	for _, g := range s.guards {
		total += g.Bandwidth
	}
	return total
}

// Find returns the guard matching id, if any.
func (s *Sample) Find(id Identity) *Guard {
	for _, g := range s.guards {
		if g.Identity.Overlaps(id) {
			return g
		}
	}
	return nil
}
