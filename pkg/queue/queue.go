// Package queue implements the per-queue and per-connection state
// machines (spec §4.5): recipient/sender queue lifecycle, the
// confirmation/HELLO/REPLY handshake, duplex upgrade, and the tie-break
// policies for commands arriving at an unexpected state.
//
// Grounded on the teacher's string-typed status enum in
// pkg/storage/database.go (MessageStatus) generalized to a queue's
// richer lifecycle, and on its mutex-guarded map style in
// pkg/network/pool.go for the connection registry.
package queue

import (
	"fmt"
	"sync"

	"github.com/simplex-agent/smpagent/pkg/agenterr"
)

// Status is a recipient or sender queue's position in its lifecycle
// (spec §4.5 state diagram).
type Status string

const (
	StatusNew       Status = "new"
	StatusConfirmed Status = "confirmed"
	StatusSecured   Status = "secured"
	StatusActive    Status = "active"
	StatusDisabled  Status = "disabled"
)

// Direction identifies whether a queue is used to receive (Rcv) or send
// (Snd) messages.
type Direction int

const (
	DirectionRcv Direction = iota
	DirectionSnd
)

func (d Direction) String() string {
	if d == DirectionRcv {
		return "rcv"
	}
	return "snd"
}

// Queue is one half of a connection: either the recipient's receive
// queue or the sender's send queue, tracked independently so a duplex
// connection is simply a pair of Queues moving through their own
// lifecycles.
type Queue struct {
	Server    string
	QueueId   []byte // rcv_id or snd_id, depending on Direction
	Direction Direction
	Status    Status

	// DHPublicKey/DHSecret are the per-queue envelope keys (spec §4.8
	// step 2); only the recipient side holds DHSecret.
	DHPublicKey []byte
	DHSecret    []byte
}

// transitions lists the legal (from, event) -> to moves for a queue,
// separately for each direction, mirroring spec §4.5's two diagrams.
type event string

const (
	eventConfirmationReceived event = "confirmation_received" // rcv: New -> Confirmed
	eventKeySentAcked         event = "key_sent_acked"         // rcv: Confirmed -> Secured
	eventHelloReceived        event = "hello_received"         // rcv: Secured -> Active
	eventConfirmationSent     event = "confirmation_sent"      // snd: New -> Confirmed
	eventHelloAndAckSent      event = "hello_and_ack_sent"      // snd: Confirmed -> Active
	eventOff                  event = "off"                    // Active -> Disabled
)

var rcvTransitions = map[Status]map[event]Status{
	StatusNew:       {eventConfirmationReceived: StatusConfirmed},
	StatusConfirmed: {eventKeySentAcked: StatusSecured},
	StatusSecured:   {eventHelloReceived: StatusActive},
	StatusActive:    {eventOff: StatusDisabled},
}

var sndTransitions = map[Status]map[event]Status{
	StatusNew:       {eventConfirmationSent: StatusConfirmed},
	StatusConfirmed: {eventHelloAndAckSent: StatusActive},
	StatusActive:    {eventOff: StatusDisabled},
}

func (q *Queue) transitions() map[Status]map[event]Status {
	if q.Direction == DirectionRcv {
		return rcvTransitions
	}
	return sndTransitions
}

// apply drives q through ev, applying the tie-break policies of
// spec §4.5: a transition not defined for the current state is an
// unexpected command, discarded with Cmd(Prohibited) rather than a panic
// or silent no-op, so the caller can log + notify as the spec requires.
func (q *Queue) apply(ev event) error {
	next, ok := q.transitions()[q.Status][ev]
	if !ok {
		return agenterr.Cmd(agenterr.CmdProhibited)
	}
	q.Status = next
	return nil
}

// ReceiveConfirmation moves a New recipient queue to Confirmed on
// receipt of the sender's confirmation envelope.
func (q *Queue) ReceiveConfirmation() error {
	if q.Direction != DirectionRcv {
		return agenterr.Cmd(agenterr.CmdProhibited)
	}
	return q.apply(eventConfirmationReceived)
}

// SecureKeySent moves a Confirmed recipient queue to Secured once the
// KEY command carrying the sender's auth key has been acked by the
// relay.
func (q *Queue) SecureKeySent() error {
	if q.Direction != DirectionRcv {
		return agenterr.Cmd(agenterr.CmdProhibited)
	}
	return q.apply(eventKeySentAcked)
}

// ReceiveHello moves a Secured recipient queue to Active. A HELLO
// received while already Active is the spec's explicit duplicate-HELLO
// tie-break: Prohibited, not a no-op, since a second HELLO signals a
// desynchronized peer.
func (q *Queue) ReceiveHello() error {
	if q.Direction != DirectionRcv {
		return agenterr.Cmd(agenterr.CmdProhibited)
	}
	if q.Status == StatusActive {
		return agenterr.Cmd(agenterr.CmdProhibited)
	}
	return q.apply(eventHelloReceived)
}

// SendConfirmation moves a New sender queue to Confirmed after the
// confirmation envelope carrying the sender's public auth key has been
// sent.
func (q *Queue) SendConfirmation() error {
	if q.Direction != DirectionSnd {
		return agenterr.Cmd(agenterr.CmdProhibited)
	}
	return q.apply(eventConfirmationSent)
}

// SendHelloAck moves a Confirmed sender queue to Active after HELLO and
// the confirmation ack have both been sent.
func (q *Queue) SendHelloAck() error {
	if q.Direction != DirectionSnd {
		return agenterr.Cmd(agenterr.CmdProhibited)
	}
	return q.apply(eventHelloAndAckSent)
}

// Disable moves an Active queue to Disabled (OFF command, spec §4.5).
func (q *Queue) Disable() error {
	return q.apply(eventOff)
}

// ConnType classifies a connection by which queue directions it holds.
type ConnType int

const (
	ConnTypeRcv ConnType = iota // receive-only, simplex
	ConnTypeSnd                 // send-only, simplex
	ConnTypeDuplex
)

// Connection pairs the recipient's and/or sender's queue for one logical
// conversation. A fresh connection holds exactly one queue (simplex);
// ReceiveReply/Upgrade* add the second queue once the REPLY handshake
// completes (spec §4.5's "upgrade a simplex connection to duplex").
type Connection struct {
	mu   sync.Mutex
	Type ConnType
	Rcv  *Queue
	Snd  *Queue
}

// ReceiveReply upgrades a Rcv-only connection to duplex on receipt of a
// REPLY message carrying a second queue's address: the responder
// connects to that queue (caller's responsibility; this records the
// resulting Snd queue) and the connection becomes duplex. REPLY received
// on a connection that isn't currently Rcv-only is the spec's explicit
// tie-break: Prohibited.
func (c *Connection) ReceiveReply(snd *Queue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Type != ConnTypeRcv {
		return agenterr.Cmd(agenterr.CmdProhibited)
	}
	c.Snd = snd
	c.Type = ConnTypeDuplex
	return nil
}

// UpgradeSndToDuplex records the additional Rcv queue the initiator
// created and sent via REPLY, once the initiator's own bookkeeping
// (not the responder's) needs to track the pending second queue.
func (c *Connection) UpgradeSndToDuplex(rcv *Queue) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Type != ConnTypeSnd {
		return agenterr.Cmd(agenterr.CmdProhibited)
	}
	c.Rcv = rcv
	c.Type = ConnTypeDuplex
	return nil
}

// Registry is a store-external, in-process index of a session's live
// connections, keyed by conn id, mirroring the mutex-guarded map style
// of the teacher's ConnectionPool.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Put registers conn under id, replacing any prior entry.
func (r *Registry) Put(id string, conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = conn
}

// Get looks up a connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Delete removes a connection's registry entry (spec §4.7 delete:
// "remove subscription, delete rows" — this is the in-memory half of
// that, the store half is the caller's responsibility).
//
// Resolution of spec §9 open question (b): when a delete races a
// concurrent unsubscribe, the caller (pkg/agent) must issue the
// subscription-side removal (SDEL) before the notifier-side NDEL
// command, and must not call Delete — resetting this registry's
// in-memory state — until both relay commands have succeeded. Deleting
// the registry entry first would let a late NDEL response find no
// connection to attribute the result to.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// HandleUnexpected implements the third tie-break policy of §4.5: a
// command that doesn't match any defined transition for the queue's
// current state is discarded, logged by the caller, and reported as
// Prohibited rather than silently ignored.
func HandleUnexpected(q *Queue, cmd string) error {
	return fmt.Errorf("queue: unexpected command %q at state %s (%s): %w", cmd, q.Status, q.Direction, agenterr.Cmd(agenterr.CmdProhibited))
}
