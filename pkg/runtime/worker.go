package runtime

import (
	"log/slog"
	"sync"
	"time"
)

// maxRestartsPerMinute bounds how many times a worker may be restarted
// within a sliding one-minute window before it is retired (spec §4.6).
const maxRestartsPerMinute = 5

// Worker runs action in a loop, waking whenever Wake is called, and
// restarting itself on panic up to maxRestartsPerMinute times within
// any trailing minute (spec §4.6: "restart counters...a sliding-window
// counter seeded by monotonic time", spec §9 design note — not a global
// clock, each worker keeps its own window).
type Worker struct {
	Id     string
	action func()

	doWork chan struct{}
	stop   chan struct{}

	mu       sync.Mutex
	restarts []time.Time
}

// NewWorker creates a worker identified by id that runs action whenever
// woken.
func NewWorker(id string, action func()) *Worker {
	return &Worker{
		Id:     id,
		action: action,
		doWork: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// Wake signals the worker to run action; it is a one-slot signal, so
// redundant wakes while the worker is already scheduled to run are
// coalesced (spec §4.6: "do_work is set to wake the worker; workers
// clear it when the queue is drained").
func (w *Worker) Wake() {
	select {
	case w.doWork <- struct{}{}:
	default:
	}
}

// Stop signals the worker's run loop to exit after its current action.
func (w *Worker) Stop() { close(w.stop) }

// Run drives the worker's loop until Stop is called or it exceeds its
// restart budget, reporting retirement via onRetired (the pool removes
// it from its map and emits a CRITICAL event).
func (w *Worker) Run(log *slog.Logger, onRetired func(id string)) {
	if log == nil {
		log = slog.Default()
	}
	for {
		select {
		case <-w.stop:
			return
		case <-w.doWork:
			if !w.runOnce(log) {
				log.Error("worker exceeded restart budget, retiring", "worker_id", w.Id)
				onRetired(w.Id)
				return
			}
		}
	}
}

// runOnce executes action once, recovering from a panic and recording a
// restart. It returns false if the restart budget has been exhausted.
func (w *Worker) runOnce(log *slog.Logger) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panicked", "worker_id", w.Id, "panic", r)
			ok = w.recordRestart()
		}
	}()
	w.action()
	return true
}

// recordRestart appends now to the restart window, evicts entries older
// than one minute, and reports whether the worker may still restart.
func (w *Worker) recordRestart() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-time.Minute)
	kept := w.restarts[:0]
	for _, t := range w.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.restarts = append(kept, now)
	return len(w.restarts) <= maxRestartsPerMinute
}

// Pool manages a set of named workers, restarting or retiring them
// independently (spec §4.6: "on panic/error the runtime restarts the
// worker...after which the worker is removed from the map and a
// CRITICAL event is emitted").
type Pool struct {
	mu      sync.Mutex
	workers map[string]*Worker
	log     *slog.Logger
	onCrit  func(workerId string)
}

// NewPool creates an empty worker pool. onCritical is invoked when a
// worker is retired after exhausting its restart budget.
func NewPool(log *slog.Logger, onCritical func(workerId string)) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{workers: make(map[string]*Worker), log: log, onCrit: onCritical}
}

// Spawn starts a new worker under id running action, replacing any
// existing worker with that id.
func (p *Pool) Spawn(id string, action func()) *Worker {
	p.mu.Lock()
	w := NewWorker(id, action)
	p.workers[id] = w
	p.mu.Unlock()

	go w.Run(p.log, p.retire)
	return w
}

// Wake wakes the worker identified by id, if it exists.
func (p *Pool) Wake(id string) {
	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if ok {
		w.Wake()
	}
}

// Len reports how many workers are currently live.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) retire(id string) {
	p.mu.Lock()
	delete(p.workers, id)
	p.mu.Unlock()
	if p.onCrit != nil {
		p.onCrit(id)
	}
}

// StopAll signals every worker to stop after its current action.
func (p *Pool) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.Stop()
	}
}
