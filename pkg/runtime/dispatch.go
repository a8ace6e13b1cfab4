package runtime

import (
	"context"
	"sync"

	"github.com/simplex-agent/smpagent/pkg/event"
)

// Cmd is one entry on the inbound command queue crossing the agent/
// caller boundary (spec §4.6: "inbound command queue (CorrId, ConnId,
// Cmd)"). Op names the pkg/agent operation to run (e.g. "create",
// "join", "send"); Args is operation-specific and decoded by the
// handler registered under that name.
type Cmd struct {
	CorrId string
	ConnId string
	Op     string
	Args   any
}

// UnboundedQueue is a FIFO queue with no capacity limit, backed by a
// mutex-guarded slice and a condition variable. Neither the teacher nor
// any pack example models an unbounded cross-goroutine queue (a Go
// channel is inherently bounded or fully synchronous); this is
// stdlib-only because the spec's "two unbounded queues" requirement
// (§4.6) rules out a buffered channel, which would impose a silent
// capacity cap.
type UnboundedQueue[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []T
	closed bool
}

// NewUnboundedQueue creates an empty queue.
func NewUnboundedQueue[T any]() *UnboundedQueue[T] {
	q := &UnboundedQueue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item to the tail and wakes one blocked Pop.
func (q *UnboundedQueue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

// Pop removes and returns the head item, blocking until one is
// available, the queue is closed (ok=false), or ctx is done.
func (q *UnboundedQueue[T]) Pop(ctx context.Context) (item T, ok bool) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		if ctx.Err() != nil {
			var zero T
			return zero, false
		}
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Close marks the queue closed, waking every blocked Pop with ok=false
// once drained.
func (q *UnboundedQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len reports the number of items currently queued.
func (q *UnboundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dispatcher drains the inbound command queue, resolving each command to
// a registered handler and posting either an event or nothing (spec
// §4.6: "One reader drains inbound commands ... routes to the handler,
// and posts a response or event").
type Dispatcher struct {
	Commands *UnboundedQueue[Cmd]
	Events   *UnboundedQueue[event.Event]

	mu       sync.RWMutex
	handlers map[string]func(Cmd) *event.Event
}

// NewDispatcher creates a dispatcher with fresh, empty command and event
// queues.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		Commands: NewUnboundedQueue[Cmd](),
		Events:   NewUnboundedQueue[event.Event](),
		handlers: make(map[string]func(Cmd) *event.Event),
	}
}

// Register binds op to handler. handler returns the event to post, or
// nil to post nothing (e.g. a fire-and-forget command).
func (d *Dispatcher) Register(op string, handler func(Cmd) *event.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[op] = handler
}

// Run drains the command queue until ctx is done, dispatching each
// command to its registered handler on its own goroutine so a slow
// operation for one connection does not stall commands for another
// (spec §5: "no ordering is guaranteed" across queues).
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		cmd, ok := d.Commands.Pop(ctx)
		if !ok {
			return
		}
		d.mu.RLock()
		handler, found := d.handlers[cmd.Op]
		d.mu.RUnlock()
		if !found {
			d.Events.Push(event.Event{
				CorrId: cmd.CorrId,
				ConnId: cmd.ConnId,
				Kind:   event.KindErr,
			})
			continue
		}
		go func(c Cmd, h func(Cmd) *event.Event) {
			if evt := h(c); evt != nil {
				d.Events.Push(*evt)
			}
		}(cmd, handler)
	}
}
