package link

import (
	"sync"

	"github.com/torcore/tor-core/cell"
	"github.com/torcore/tor-core/torerr"
)

// circuitEndpoint is what the circuit layer (external to this package)
// registers for one circuit ID: an inbound queue for non-channel cells
// addressed to that circuit, and a one-shot delivery of a DESTROY
// reason. The registry holds only this lookup key, never a pointer back
// into circuit state, so a channel and its circuits cannot form a
// reference cycle.
type circuitEndpoint struct {
	cells   chan cell.Cell
	destroy chan uint8
}

// CircuitHandle is the circuit layer's view of one registered circuit:
// a place to receive cells and the DESTROY reason, and a way to send
// cells out over the channel.
type CircuitHandle struct {
	id  uint32
	ch  *Channel
	end *circuitEndpoint
}

// ID returns the circuit ID this handle was registered under.
func (h *CircuitHandle) ID() uint32 { return h.id }

// Cells returns the channel on which non-handshake cells addressed to
// this circuit ID arrive, in receipt order.
func (h *CircuitHandle) Cells() <-chan cell.Cell { return h.end.cells }

// Destroyed returns a channel that receives the reason byte exactly
// once, when the peer sends DESTROY for this circuit. The registry
// unregisters the circuit ID as soon as this fires.
func (h *CircuitHandle) Destroyed() <-chan uint8 { return h.end.destroy }

// Send writes a cell addressed to this circuit out over the channel.
func (h *CircuitHandle) Send(c cell.Cell) error {
	c.CircID = h.id
	return h.ch.send(c)
}

// Close releases the circuit ID so it may be reused.
func (h *CircuitHandle) Close() {
	h.ch.circuits.unregister(h.id)
}

// circuitRegistry is the arena backing circuit-ID allocation on one
// channel: circuit IDs are small integers handed out per
// link-protocol-version rules, looked up by the reader loop to route
// incoming cells, and released when a circuit tears down.
type circuitRegistry struct {
	mu        sync.Mutex
	next      uint32
	highBit   uint32 // set on every allocated ID when circIDLen == 4
	endpoints map[uint32]*circuitEndpoint
}

func newCircuitRegistry(circIDLen int) *circuitRegistry {
	var highBit uint32
	if circIDLen == 4 {
		// As the handshake-initiating party, we set the most significant
		// bit of every circuit ID we allocate once IDs are 4 bytes wide,
		// so that IDs we choose can never collide with ones the relay
		// allocates on its side of the same link.
		highBit = 1 << 31
	}
	return &circuitRegistry{
		next:      1,
		highBit:   highBit,
		endpoints: make(map[uint32]*circuitEndpoint),
	}
}

// allocate reserves a fresh circuit ID and registers its endpoint.
func (r *circuitRegistry) allocate() (uint32, *circuitEndpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < 1<<20; i++ {
		id := (r.next & 0x7fffffff) | r.highBit
		r.next++
		if id == 0 {
			continue
		}
		if _, taken := r.endpoints[id]; taken {
			continue
		}
		end := &circuitEndpoint{
			cells:   make(chan cell.Cell, 16),
			destroy: make(chan uint8, 1),
		}
		r.endpoints[id] = end
		return id, end, nil
	}
	return 0, nil, torerr.Internal("link: circuit ID space exhausted on this channel")
}

func (r *circuitRegistry) lookup(id uint32) (*circuitEndpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	end, ok := r.endpoints[id]
	return end, ok
}

func (r *circuitRegistry) unregister(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, id)
}

// deliverCell routes a non-channel cell to its circuit's inbound queue.
// It reports whether a registered circuit was found; an unmatched
// circuit ID is not a protocol error; by the time a DESTROY or dangling
// cell arrives, the circuit may have already torn down locally.
func (r *circuitRegistry) deliverCell(c cell.Cell) bool {
	end, ok := r.lookup(c.CircID)
	if !ok {
		return false
	}
	select {
	case end.cells <- c:
	default:
		// Circuit's inbound queue is full; drop rather than block the
		// reader loop for every other circuit sharing this channel.
	}
	return true
}

// deliverDestroy routes a DESTROY reason to its circuit and releases
// the circuit ID.
func (r *circuitRegistry) deliverDestroy(id uint32, reason uint8) bool {
	r.mu.Lock()
	end, ok := r.endpoints[id]
	if ok {
		delete(r.endpoints, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case end.destroy <- reason:
	default:
	}
	return true
}
