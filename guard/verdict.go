package guard

import "sync"

// GuardUsableFuture is resolved by the manager's event loop exactly
// once, with true (circuit may be used) or false (preempted by a
// better guard). Await blocks until resolution; a caller that no
// longer cares may simply stop calling Await; doing so must not stall
// the manager, since resolution happens by a non-blocking send into a
// buffered channel.
type GuardUsableFuture struct {
	ch chan bool
}

func newUsableFuture() (*GuardUsableFuture, chan<- bool) {
	ch := make(chan bool, 1)
	return &GuardUsableFuture{ch: ch}, ch
}

// Await blocks until a verdict is available.
func (f *GuardUsableFuture) Await() bool {
	return <-f.ch
}

// TryAwait returns the verdict and true if already resolved, or
// false, false if not yet resolved.
func (f *GuardUsableFuture) TryAwait() (bool, bool) {
	select {
	case v := <-f.ch:
		// Put it back so a second read still observes the verdict;
		// resolution only ever happens once so this is safe.
		f.ch <- v
		return v, true
	default:
		return false, false
	}
}

// readyFuture returns a future that is already resolved to verdict,
// used for primary-guard selections per the spec's immediate-ready
// requirement.
func readyFuture(verdict bool) *GuardUsableFuture {
	f, send := newUsableFuture()
	send <- verdict
	return f
}

// AttemptStatus is what a GuardMonitor reports back to the manager.
type AttemptStatus int

const (
	Succeeded AttemptStatus = iota
	Failed
	AttemptAbandoned
)

// GuardMonitor is the single-use handle a caller uses to report the
// outcome of a circuit attempt through a selected guard. Exactly one
// of Succeeded, Failed, or Abandon should be called; Go has no
// destructor to hook a dropped-without-reporting monitor, so callers
// that give up on an attempt must call Abandon explicitly.
type GuardMonitor struct {
	id   RequestID
	mgr  *Manager
	once sync.Once
}

func (m *GuardMonitor) report(status AttemptStatus) {
	m.once.Do(func() {
		m.mgr.reportStatus(m.id, status)
	})
}

// Succeeded reports that the circuit attempt through this guard
// completed successfully.
func (m *GuardMonitor) Succeeded() {
	m.report(Succeeded)
}

// Failed reports that the circuit attempt through this guard failed.
func (m *GuardMonitor) Failed() {
	m.report(Failed)
}

// Abandon reports that the caller gave up on this attempt without a
// definite success or failure outcome.
func (m *GuardMonitor) Abandon() {
	m.report(AttemptAbandoned)
}

// pendingRequest is the manager's internal bookkeeping for one
// in-flight select_guard call.
type pendingRequest struct {
	id           RequestID
	guard        Identity
	priority     int // staticRank (insertion-order index) of the guard at selection time
	verdictSend  chan<- bool
	handedOutAt  int64 // unix nanos, from the runtime clock
	waitingSince int64
	waiting      bool
	resolved     bool
}
