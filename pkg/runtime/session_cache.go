// Package runtime implements the agent client runtime (spec §4.6): the
// transport session cache, subscription bookkeeping, the worker pool,
// operation gating for graceful shutdown, and a runtime metrics
// collector.
//
// Grounded on the teacher's pkg/network/pool.go (ConnectionPool: a
// mutex-guarded map of live clients keyed by endpoint, GetClient's
// "reuse if connected, otherwise dial" shape), generalized from one
// coarse pool mutex into a per-key session-var cell so concurrent dials
// to different relays don't serialize behind each other (spec §4.6: "a
// session-var pattern prevents duplicate connects").
package runtime

import (
	"context"
	"sync"

	"github.com/simplex-agent/smpagent/pkg/transport"
)

// sessionVar is a one-shot-fill cell: the first caller for a session key
// creates it and runs the dial itself, then fills it; every later caller
// for the same key blocks on done until that dial resolves to either a
// connection or an error.
type sessionVar struct {
	done chan struct{}
	conn *transport.Conn
	err  error
}

// SessionCache maps a transport session key (e.g. relay host:port) to
// its sessionVar, so a second caller racing the first's dial waits on
// the same in-flight attempt instead of opening a duplicate connection.
type SessionCache struct {
	mu    sync.Mutex
	slots map[string]*sessionVar
}

// NewSessionCache creates an empty cache.
func NewSessionCache() *SessionCache {
	return &SessionCache{slots: make(map[string]*sessionVar)}
}

// Get returns the connection for key, dialing via dial if no attempt is
// already in flight or cached. Concurrent callers for the same key share
// one dial.
func (c *SessionCache) Get(ctx context.Context, key string, dial func(context.Context) (*transport.Conn, error)) (*transport.Conn, error) {
	c.mu.Lock()
	v, ok := c.slots[key]
	if !ok {
		v = &sessionVar{done: make(chan struct{})}
		c.slots[key] = v
		c.mu.Unlock()

		v.conn, v.err = dial(ctx)
		close(v.done)
	} else {
		c.mu.Unlock()
	}

	select {
	case <-v.done:
		return v.conn, v.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drop removes key's slot (spec §4.6: "on disconnect the slot is
// removed"). The caller is responsible for moving that session's active
// subscriptions to pending and spawning a resubscription worker.
func (c *SessionCache) Drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, key)
}

// Len reports how many session slots are currently tracked (cached or
// in flight).
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}
