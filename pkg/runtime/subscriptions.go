package runtime

import "sync"

// SubscriptionStatus classifies where a queue sits relative to its
// relay subscription (spec §4.6 three-map subscription store).
type SubscriptionStatus int

const (
	SubActive SubscriptionStatus = iota
	SubPending
	SubRemoved
)

// subEntry records a queue's subscription state; RemovedErr is set only
// when Status is SubRemoved.
type subEntry struct {
	status     SubscriptionStatus
	removedErr error
}

// Subscriptions tracks every queue's subscription status across three
// logical sets — active, pending, removed — backed by one map so a
// queue can only ever be in exactly one set at a time.
type Subscriptions struct {
	mu      sync.Mutex
	entries map[string]subEntry
}

// NewSubscriptions creates an empty subscription store.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{entries: make(map[string]subEntry)}
}

// MarkActive records queueId as having a confirmed subscription.
func (s *Subscriptions) MarkActive(queueId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[queueId] = subEntry{status: SubActive}
}

// MarkPending records queueId as awaiting (re)subscription on a live
// session.
func (s *Subscriptions) MarkPending(queueId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[queueId] = subEntry{status: SubPending}
}

// MarkRemoved records queueId's subscription as permanently dead, with
// the error that caused it.
func (s *Subscriptions) MarkRemoved(queueId string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[queueId] = subEntry{status: SubRemoved, removedErr: err}
}

// Status reports queueId's current subscription status.
func (s *Subscriptions) Status(queueId string) (SubscriptionStatus, error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[queueId]
	return e.status, e.removedErr, ok
}

// MoveSessionToPending moves every queue belonging to session (as
// decided by inSession) from active to pending (spec §4.6: "on
// disconnect ... all queues on that session are moved from active to
// pending"). It returns the moved queue ids so the caller can spawn a
// resubscription worker over exactly that set.
func (s *Subscriptions) MoveSessionToPending(inSession func(queueId string) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var moved []string
	for id, e := range s.entries {
		if e.status == SubActive && inSession(id) {
			s.entries[id] = subEntry{status: SubPending}
			moved = append(moved, id)
		}
	}
	return moved
}

// Counts returns the number of queues in each set, for the metrics
// collector.
func (s *Subscriptions) Counts() (active, pending, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		switch e.status {
		case SubActive:
			active++
		case SubPending:
			pending++
		case SubRemoved:
			removed++
		}
	}
	return active, pending, removed
}

// Delete removes queueId's subscription entry entirely (spec §4.7
// delete operation).
func (s *Subscriptions) Delete(queueId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, queueId)
}

// PartitionResult is the outcome of a batched subscribe round: queues
// whose subscription succeeded, those hit by a transient error (feed the
// resubscribe loop), and those hit by a permanent error (emit ERR).
type PartitionResult struct {
	Succeeded []string
	Transient []string
	Permanent map[string]error
}

// Partition classifies a batch of subscribe results (spec §4.6:
// "results are partitioned; transient errors feed the resubscribe loop,
// permanent errors emit ERR"). isTransient distinguishes a NETWORK/
// TIMEOUT failure from a permanent one (e.g. AUTH); errs maps queue id
// to the error observed for that queue, absent entries meaning success.
func Partition(queueIds []string, errs map[string]error, isTransient func(error) bool) PartitionResult {
	result := PartitionResult{Permanent: make(map[string]error)}
	for _, id := range queueIds {
		err, failed := errs[id]
		switch {
		case !failed:
			result.Succeeded = append(result.Succeeded, id)
		case isTransient(err):
			result.Transient = append(result.Transient, id)
		default:
			result.Permanent[id] = err
		}
	}
	return result
}

// MaxSubscribeBatch is the per-round-trip cap on queues subscribed
// together (spec §4.6: "up to 90 queues per SUB round-trip").
const MaxSubscribeBatch = 90

// BatchQueueIds splits ids into chunks of at most MaxSubscribeBatch.
func BatchQueueIds(ids []string) [][]string {
	if len(ids) == 0 {
		return nil
	}
	var batches [][]string
	for len(ids) > 0 {
		n := MaxSubscribeBatch
		if n > len(ids) {
			n = len(ids)
		}
		batches = append(batches, ids[:n])
		ids = ids[n:]
	}
	return batches
}
