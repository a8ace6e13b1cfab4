// Package event defines the agent's outbound event model (spec §4.6/4.8):
// the typed events an agent emits to its caller, and the abstract sink
// that consumes them.
//
// Grounded on the teacher's callback-registration style in
// pkg/network/client.go (OnMessageReceived, OnAckReceived, OnNackReceived,
// etc. — one function-valued field per event kind), generalized here to a
// single Event ADT plus one Sink interface, since the spec's pipeline
// (§4.8) produces a shared ordered stream of events per connection rather
// than letting each kind fan out to its own callback.
package event

import "github.com/simplex-agent/smpagent/pkg/agenterr"

// Kind names the tag of an emitted event. The AMessage-derived kinds
// mirror the plaintext tags the ratchet payload carries (spec §4.8 step
// 5); the remaining kinds are connection-lifecycle and error events
// raised by the runtime itself.
type Kind string

const (
	KindHello        Kind = "HELLO"
	KindReply        Kind = "REPLY"
	KindMessage      Kind = "A_MSG"
	KindContact      Kind = "CONTACT"
	KindIntroduction Kind = "INTRODUCTION"

	KindConnected    Kind = "CON"
	KindConfirmation Kind = "CONF"
	KindDisconnected Kind = "DISCONNECTED"
	KindSuspended    Kind = "SUSPENDED"
	KindCritical     Kind = "CRITICAL"
	KindErr          Kind = "ERR"
)

// Event is one entry on the outbound event queue crossing the agent/
// caller boundary (spec §4.6: "outbound event queue (CorrId, ConnId,
// Evt)").
type Event struct {
	CorrId string
	ConnId string
	Kind   Kind

	// Body carries A_MSG's plaintext payload; nil for every other kind.
	Body []byte

	// Err is set only when Kind == KindErr or KindCritical.
	Err *agenterr.AgentError
}

// Sink receives events in per-connection order (spec §5: "The inbound
// event queue preserves per-connection ordering"). Implementations must
// not block the caller for long, since a slow sink backs up the shared
// dispatch loop.
type Sink interface {
	HandleEvent(Event)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(Event)

func (f SinkFunc) HandleEvent(e Event) { f(e) }
