package runtime

import "sync"

// OperationKind names the four gated operation classes in the shutdown
// chain (receive network, message delivery, send network, database; there
// is no notification-network gate), ordered the way the chain drains them
// (spec §4.6: "RCV → MSG → SND → DB → Suspended event").
type OperationKind int

const (
	OpReceiveNetwork OperationKind = iota
	OpMessageDelivery
	OpSendNetwork
	OpDatabase
	opCount
)

// gate tracks one operation class's suspension flag and its count of
// in-progress callers.
type gate struct {
	mu        sync.Mutex
	suspended bool
	inFlight  int
}

// start refuses the caller (returns false at once, without waiting) if
// the gate is already suspended; otherwise it increments the in-flight
// counter and admits the caller.
func (g *gate) start() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.suspended {
		return false
	}
	g.inFlight++
	return true
}

// end decrements the in-flight counter and reports whether the gate is
// now both suspended and drained (zero in-flight), meaning the next
// gate in the chain may begin suspending.
func (g *gate) end() (drained bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight--
	return g.suspended && g.inFlight == 0
}

// suspend marks the gate suspended and reports whether it was already
// drained (no in-flight callers) at the moment of suspension.
func (g *gate) suspend() (drained bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.suspended = true
	return g.inFlight == 0
}

// ShutdownChain implements the ordered graceful-shutdown gating of spec
// §4.6: starting an operation is refused (Start returns false, without
// waiting) once its gate is suspended, and otherwise increments its
// counter; ending decrements and, once a gate reaches zero while
// suspended, chains into suspending the next gate, in RCV → MSG → SND →
// DB order, finally emitting a Suspended event.
type ShutdownChain struct {
	gates      [opCount]*gate
	onSuspended func()
	mu         sync.Mutex
	started    bool
}

// NewShutdownChain creates a chain with all four gates open. onSuspended
// is invoked once every gate has drained and suspended, i.e. once the
// whole chain has finished (the "Suspended" event of spec §4.6).
func NewShutdownChain(onSuspended func()) *ShutdownChain {
	c := &ShutdownChain{onSuspended: onSuspended}
	for i := range c.gates {
		c.gates[i] = &gate{}
	}
	return c
}

// Start attempts to begin an operation of the given kind, returning
// false if the runtime is shutting down and that gate is already
// suspended.
func (c *ShutdownChain) Start(kind OperationKind) bool {
	return c.gates[kind].start()
}

// End finishes an operation of the given kind, chaining the next gate's
// suspension if this gate has now drained while suspended.
func (c *ShutdownChain) End(kind OperationKind) {
	if c.gates[kind].end() {
		c.advance(kind + 1)
	}
}

// BeginShutdown suspends the first gate (RCV); the remaining gates
// suspend in order as each predecessor drains.
func (c *ShutdownChain) BeginShutdown() {
	c.advance(OpReceiveNetwork)
}

func (c *ShutdownChain) advance(next OperationKind) {
	if next >= opCount {
		c.mu.Lock()
		already := c.started
		c.started = true
		c.mu.Unlock()
		if !already && c.onSuspended != nil {
			c.onSuspended()
		}
		return
	}
	if c.gates[next].suspend() {
		c.advance(next + 1)
	}
}
