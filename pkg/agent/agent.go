// Package agent implements the connection API (spec §4.7): create,
// join, accept-invitation, subscribe, send, suspend, delete. Every
// operation takes a per-conn_id lock; operations spanning more than one
// connection take those locks in sorted order to avoid deadlock (spec
// §4.7's concurrency note, and spec §5's lock-ordering rule: connection
// lock -> store transaction -> session slot).
//
// Grounded on the teacher's pkg/network/client.go: its exported methods
// (ConnectToRelay, SendPing, Disconnect, ...) each touch the client's
// ratchet-session and sequence-number maps under one lock; here that
// single coarse lock is generalized into one lock per connection so
// unrelated connections' operations don't serialize behind each other.
package agent

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/xid"

	"github.com/simplex-agent/smpagent/pkg/config"
	"github.com/simplex-agent/smpagent/pkg/event"
	"github.com/simplex-agent/smpagent/pkg/queue"
	"github.com/simplex-agent/smpagent/pkg/ratchet"
	"github.com/simplex-agent/smpagent/pkg/store"
)

// Agent is the connection-API entry point: one per embedding
// application, holding the store, relay transport, ratchet sessions,
// and event sink it operates over.
type Agent struct {
	Store store.Store
	Relay Relay
	Sink  event.Sink
	Cfg   config.Config
	Log   *slog.Logger
	Reg   *queue.Registry

	connLocks struct {
		mu    sync.Mutex
		locks map[string]*sync.Mutex
	}

	ratchets struct {
		mu    sync.Mutex
		state map[string]*ratchet.State
	}

	nextServer struct {
		mu  sync.Mutex
		idx int
	}
}

// New builds an Agent. log may be nil, in which case slog.Default() is
// used (spec's AMBIENT STACK: pkg/agent accepts a *slog.Logger).
func New(st store.Store, relay Relay, sink event.Sink, cfg config.Config, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	a := &Agent{Store: st, Relay: relay, Sink: sink, Cfg: cfg, Log: log, Reg: queue.NewRegistry()}
	a.connLocks.locks = make(map[string]*sync.Mutex)
	a.ratchets.state = make(map[string]*ratchet.State)
	return a
}

// NewConnId generates a sortable connection id (spec §4.7: "a conn_id
// that may be empty for auto-generated"). Grounded on the DOMAIN STACK
// choice of github.com/oklog/ulid/v2 in place of the teacher's
// timestamp+crypto/rand GenerateMessageID.
func NewConnId() string { return ulid.Make().String() }

// NewInvitationId generates a sortable invitation id, same rationale as
// NewConnId.
func NewInvitationId() string { return ulid.Make().String() }

// NewCorrId generates a correlation id for a command/event pair,
// grounded on pkg/proto's own use of xid for CorrId (DOMAIN STACK).
func NewCorrId() string { return xid.New().String() }

// lockFor returns (creating if absent) the mutex serializing operations
// on connId.
func (a *Agent) lockFor(connId string) *sync.Mutex {
	a.connLocks.mu.Lock()
	defer a.connLocks.mu.Unlock()
	l, ok := a.connLocks.locks[connId]
	if !ok {
		l = &sync.Mutex{}
		a.connLocks.locks[connId] = l
	}
	return l
}

// withConnLock runs fn holding connId's lock.
func (a *Agent) withConnLock(connId string, fn func() error) error {
	l := a.lockFor(connId)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// withConnLocks runs fn holding every connId's lock, acquired in sorted
// order (spec §4.7: "multi-connection operations take locks in sorted
// order to avoid deadlock").
func (a *Agent) withConnLocks(connIds []string, fn func() error) error {
	sorted := append([]string(nil), connIds...)
	sort.Strings(sorted)

	locks := make([]*sync.Mutex, len(sorted))
	for i, id := range sorted {
		locks[i] = a.lockFor(id)
	}
	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}()
	return fn()
}

// dropConnLock removes connId's lock entry entirely, once the
// connection is deleted.
func (a *Agent) dropConnLock(connId string) {
	a.connLocks.mu.Lock()
	defer a.connLocks.mu.Unlock()
	delete(a.connLocks.locks, connId)
}

// getRatchet and putRatchet manage each connection's exclusively-owned
// ratchet state (spec §5: "The ratchet itself is owned exclusively by
// its connection handler").
func (a *Agent) getRatchet(connId string) (*ratchet.State, bool) {
	a.ratchets.mu.Lock()
	defer a.ratchets.mu.Unlock()
	st, ok := a.ratchets.state[connId]
	return st, ok
}

func (a *Agent) putRatchet(connId string, st *ratchet.State) {
	a.ratchets.mu.Lock()
	defer a.ratchets.mu.Unlock()
	a.ratchets.state[connId] = st
}

func (a *Agent) dropRatchet(connId string) {
	a.ratchets.mu.Lock()
	defer a.ratchets.mu.Unlock()
	delete(a.ratchets.state, connId)
}

// pickServer selects an SMP server round-robin among configured servers
// (spec §4.7 "create": "pick an SMP server (round-robin among
// configured or cached last-used)").
func (a *Agent) pickServer() config.Server {
	a.nextServer.mu.Lock()
	defer a.nextServer.mu.Unlock()
	srv := a.Cfg.SMPServers[a.nextServer.idx%len(a.Cfg.SMPServers)]
	a.nextServer.idx++
	return srv
}
