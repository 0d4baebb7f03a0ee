package guard

import (
	"context"
	"time"

	"github.com/torcore/tor-core/runtime"
	"github.com/torcore/tor-core/torerr"
)

// Params bounds the sample's size and bandwidth share of the universe.
type Params struct {
	MinSample            int
	MaxSample            int
	MaxSampleBWFraction  float64 // e.g. 0.02 for 2%
	UnreachableRetention time.Duration

	// RetryBackoff paces reselection of an Unreachable guard: Delay(n)
	// for n = FailCount-1 must elapse since UnreachableSince before
	// doSelect will hand that guard out again.
	RetryBackoff RetrySchedule
}

// DefaultParams matches the deployed client's conservative defaults.
var DefaultParams = Params{
	MinSample:            3,
	MaxSample:            10,
	MaxSampleBWFraction:  0.02,
	UnreachableRetention: 20 * 24 * time.Hour,
	RetryBackoff:         RetrySchedule{Attempts: 1, InitialDelay: 10 * time.Second, Parallelism: 1},
}

// UsagePredicate filters which guards a particular select_guard call
// may return (e.g. "supports IPv6 exit", "not in family with target").
type UsagePredicate func(*Guard) bool

// AnyUsage matches every guard.
func AnyUsage(*Guard) bool { return true }

type commandKind int

const (
	cmdSelect commandKind = iota
	cmdReport
	cmdUpdateNetwork
	cmdReplaceGuards
	cmdSnapshot
)

type command struct {
	kind   commandKind
	usage  UsagePredicate
	id     RequestID
	status AttemptStatus
	netdir Universe
	params Params
	reply  chan any
}

// Manager is the guard-selection event loop. Construct with New, then
// call Run once (typically via runtime.Spawn) before issuing any
// operation; operations block the calling goroutine only long enough
// to hand a command to the loop and read its reply, never on the loop
// itself doing network IO.
type Manager struct {
	rt       runtime.Runtime
	universe Universe
	params   Params

	sample   *Sample
	pending  map[RequestID]*pendingRequest

	cmds chan command
	done chan struct{}
}

// New constructs a Manager seeded from an initial universe; it does
// not start the event loop. Call Run before issuing operations.
func New(rt runtime.Runtime, universe Universe, params Params) *Manager {
	return NewWithSample(rt, universe, params, NewSample())
}

// NewWithSample is New, but seeded from a sample recovered from
// persisted state (see LoadSample) instead of an empty one, so a
// restarted process can resume with the same guards rather than
// drawing a fresh sample from the universe.
func NewWithSample(rt runtime.Runtime, universe Universe, params Params, sample *Sample) *Manager {
	if sample == nil {
		sample = NewSample()
	}
	return &Manager{
		rt:       rt,
		universe: universe,
		params:   params,
		sample:   sample,
		pending:  make(map[RequestID]*pendingRequest),
		cmds:     make(chan command, 16),
		done:     make(chan struct{}),
	}
}

// Run processes commands until ctx is done. It must run on exactly one
// goroutine; the command channel is the only way in.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.cmds:
			m.handle(cmd)
		}
	}
}

func (m *Manager) handle(cmd command) {
	switch cmd.kind {
	case cmdSelect:
		id, mon, fut, err := m.doSelect(cmd.usage)
		cmd.reply <- selectResult{id: id, mon: mon, fut: fut, err: err}
	case cmdReport:
		m.doReport(cmd.id, cmd.status)
		cmd.reply <- struct{}{}
	case cmdUpdateNetwork:
		m.doUpdateNetwork(cmd.netdir)
		cmd.reply <- struct{}{}
	case cmdReplaceGuards:
		err := m.doReplaceGuards(cmd.params)
		cmd.reply <- err
	case cmdSnapshot:
		cmd.reply <- m.sample
	}
}

type selectResult struct {
	id  GuardID
	mon *GuardMonitor
	fut *GuardUsableFuture
	err error
}

// GuardID identifies which guard a selection returned.
type GuardID = Identity

// SelectGuard returns a guard matching usage, a monitor the caller must
// report exactly one outcome on, and a future resolving to whether the
// circuit through it may be used.
func (m *Manager) SelectGuard(ctx context.Context, usage UsagePredicate) (GuardID, *GuardMonitor, *GuardUsableFuture, error) {
	reply := make(chan any, 1)
	select {
	case m.cmds <- command{kind: cmdSelect, usage: usage, reply: reply}:
	case <-ctx.Done():
		return GuardID{}, nil, nil, ctx.Err()
	}
	select {
	case r := <-reply:
		res := r.(selectResult)
		return res.id, res.mon, res.fut, res.err
	case <-ctx.Done():
		return GuardID{}, nil, nil, ctx.Err()
	}
}

func (m *Manager) reportStatus(id RequestID, status AttemptStatus) {
	reply := make(chan any, 1)
	m.cmds <- command{kind: cmdReport, id: id, status: status, reply: reply}
	<-reply
}

// UpdateNetwork re-anchors the sample against a new directory snapshot.
func (m *Manager) UpdateNetwork(ctx context.Context, netdir Universe) error {
	reply := make(chan any, 1)
	select {
	case m.cmds <- command{kind: cmdUpdateNetwork, netdir: netdir, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-reply
	return nil
}

// ReplaceGuards enforces the sample's size and weight-cap invariants,
// drawing new candidates from the universe as needed.
func (m *Manager) ReplaceGuards(ctx context.Context, params Params) error {
	reply := make(chan any, 1)
	select {
	case m.cmds <- command{kind: cmdReplaceGuards, params: params, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	r := <-reply
	if r == nil {
		return nil
	}
	return r.(error)
}

// Snapshot returns the manager's live sample (not a copy), for
// persisting to a Store between runs; a loop that keeps running may
// still mutate the returned guards in place. The reply comes from the
// event loop, so Run must still be running: once Run has returned,
// Snapshot waits until ctx is done and returns ctx.Err().
func (m *Manager) Snapshot(ctx context.Context) (*Sample, error) {
	reply := make(chan any, 1)
	select {
	case m.cmds <- command{kind: cmdSnapshot, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.(*Sample), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// staticRank maps each guard's identity to its stable position in the
// sample, fixed at the time it was drawn. Selection prefers confirmed,
// working guards first (PriorityOrder), but once a guard is handed
// out, how "high priority" it counts as for verdict resolution is
// always judged against this fixed order — never against the live,
// confirm-status-dependent partitioning — so that a request's outcome
// cannot flip back and forth as unrelated guards get confirmed.
func (m *Manager) staticRank() map[Identity]int {
	all := m.sample.All()
	rank := make(map[Identity]int, len(all))
	for i, g := range all {
		rank[g.Identity] = i
	}
	return rank
}

func (m *Manager) doSelect(usage UsagePredicate) (GuardID, *GuardMonitor, *GuardUsableFuture, error) {
	if usage == nil {
		usage = AnyUsage
	}
	priorityOrder := m.sample.PriorityOrder()
	now := m.rt.Now()

	var chosen *Guard
	for _, g := range priorityOrder {
		if !g.Usable() || !usage(g) {
			continue
		}
		backedOff, err := m.backingOff(g, now)
		if err != nil {
			return GuardID{}, nil, nil, err
		}
		if backedOff {
			continue
		}
		chosen = g
		break
	}
	if chosen == nil {
		return GuardID{}, nil, nil, torerr.GuardExhausted("no guard in the sample satisfies the usage predicate")
	}

	chosen.LastTried = now
	chosen.HasLastTried = true

	rank := m.staticRank()
	isPrimary := rank[chosen.Identity] == 0

	reqID := NextRequestID()

	var fut *GuardUsableFuture
	var sendCh chan<- bool
	if isPrimary {
		fut = readyFuture(true)
	} else {
		fut, sendCh = newUsableFuture()
	}

	m.pending[reqID] = &pendingRequest{
		id:          reqID,
		guard:       chosen.Identity,
		priority:    rank[chosen.Identity],
		verdictSend: sendCh,
		handedOutAt: now.UnixNano(),
		resolved:    isPrimary,
	}

	mon := &GuardMonitor{id: reqID, mgr: m}
	return chosen.Identity, mon, fut, nil
}

// backingOff reports whether g is Unreachable and still within its
// exponential back-off window, per Params.RetryBackoff. A guard with
// FailCount 0 (never failed, or reset by a subsequent success) is
// never backed off even if stale Work/UnreachableSince state lingers.
func (m *Manager) backingOff(g *Guard, now time.Time) (bool, error) {
	if g.Work != Unreachable || g.FailCount <= 0 {
		return false, nil
	}
	attempt := g.FailCount - 1
	delay, err := m.params.RetryBackoff.Delay(attempt)
	if err != nil {
		return false, torerr.Wrap(torerr.KindInternal, "guard: compute retry backoff", err)
	}
	return now.Sub(g.UnreachableSince) < delay, nil
}

func (m *Manager) doReport(id RequestID, status AttemptStatus) {
	pr, ok := m.pending[id]
	if !ok {
		return
	}
	// A succeeded request whose verdict is still open stays pending so a
	// later report can resolve it; every other record, and every waiting
	// record resolved by this report, is discarded.
	defer func() {
		if !pr.waiting || pr.resolved {
			delete(m.pending, id)
		}
		for rid, p := range m.pending {
			if p.waiting && p.resolved {
				delete(m.pending, rid)
			}
		}
	}()

	g := m.sample.Find(pr.guard)
	if g == nil {
		return
	}

	switch status {
	case Succeeded:
		pr.waiting = true
		pr.waitingSince = m.rt.Now().UnixNano()
		g.Confirm = Confirmed
		if !g.HasConfirmedAt {
			g.ConfirmedAt = m.rt.Now()
			g.HasConfirmedAt = true
		}
		g.Work = Working
		g.FailCount = 0
		m.resolveWaiters()
	case Failed:
		g.Work = Unreachable
		g.UnreachableSince = m.rt.Now()
		g.FailCount++
		m.resolveWaiters()
	case AttemptAbandoned:
		// No sample state change; just discard the record.
	}
}

// resolveWaiters walks every pending request still waiting on a
// verdict and resolves it according to the rule in the spec: a
// non-primary guard's verdict is true iff every strictly-higher-priority
// guard (by staticRank) in the current sample is down, and false as
// soon as a strictly-higher-priority guard is confirmed working.
func (m *Manager) resolveWaiters() {
	all := m.sample.All()
	rank := m.staticRank()

	for _, pr := range m.pending {
		if pr.resolved || !pr.waiting {
			continue
		}
		myRank, ok := rank[pr.guard]
		if !ok {
			continue
		}

		allHigherDown := true
		higherBecameUsable := false
		for _, g := range all {
			r, ok := rank[g.Identity]
			if !ok || r >= myRank {
				continue
			}
			if g.Work != Unreachable {
				allHigherDown = false
			}
			if g.Confirm == Confirmed && g.Work == Working {
				higherBecameUsable = true
			}
		}

		if higherBecameUsable {
			pr.verdictSend <- false
			pr.resolved = true
		} else if allHigherDown {
			pr.verdictSend <- true
			pr.resolved = true
		}
	}
}

func (m *Manager) doUpdateNetwork(netdir Universe) {
	m.universe = netdir
	candidates := make(map[Identity]bool)
	for _, r := range netdir.GuardCandidates() {
		candidates[IdentityFromRelay(r)] = true
	}
	now := m.rt.Now()
	for _, g := range m.sample.All() {
		present := false
		for id := range candidates {
			if id.Overlaps(g.Identity) {
				present = true
				break
			}
		}
		if present {
			g.Listing = Listed
			g.HasUncertainSince = false
		} else {
			if g.Listing != Uncertain {
				g.UncertainSince = now
				g.HasUncertainSince = true
			}
			g.Listing = Uncertain
		}
	}
	m.retireExpired()
}

// retireExpired removes guards that have been Unreachable, or absent
// from the universe, beyond Params.UnreachableRetention: a guard this
// stale is more likely to have disappeared for good than to be a
// transient outage, so replace_guards should be free to draw a
// replacement in its place.
func (m *Manager) retireExpired() {
	if m.params.UnreachableRetention <= 0 {
		return
	}
	now := m.rt.Now()
	for _, g := range m.sample.All() {
		if g.Work == Unreachable && !g.UnreachableSince.IsZero() && now.Sub(g.UnreachableSince) > m.params.UnreachableRetention {
			m.sample.Remove(g.Identity)
			continue
		}
		if g.Listing == Uncertain && g.HasUncertainSince && now.Sub(g.UncertainSince) > m.params.UnreachableRetention {
			m.sample.Remove(g.Identity)
		}
	}
}

func (m *Manager) doReplaceGuards(params Params) error {
	m.params = params
	m.retireExpired()

	universeBW := m.universe.GuardFlaggedBandwidth()
	bwCap := int64(float64(universeBW) * params.MaxSampleBWFraction)

	for m.sample.Len() < params.MaxSample {
		withinCap := m.sample.TotalBandwidth() < bwCap
		belowMin := m.sample.Len() < params.MinSample
		if !withinCap && !belowMin {
			break
		}

		drawn, err := drawGuards(m.universe, m.sample, 1)
		if err != nil {
			return err
		}
		if len(drawn) == 0 {
			break
		}
		r := drawn[0]
		now := m.rt.Now()
		m.sample.Add(&Guard{
			Identity:     IdentityFromRelay(r),
			Address:      r.Address,
			ORPort:       r.ORPort,
			Bandwidth:    r.Bandwidth,
			FirstSampled: now,
			Confirm:      New,
			Work:         Working,
			Listing:      Listed,
		})

		if !withinCap && belowMin {
			// The single-guard overage the spec allows to satisfy the
			// minimum count; stop drawing further once the minimum is met.
			if m.sample.Len() >= params.MinSample {
				break
			}
		}
	}
	return nil
}
