package dispatch

import (
	"sort"
	"sync"
	"time"
)

// Keep queue memory bounded: settled actions are retained for introspection
// but pruned beyond this count.
const defaultSettledMax = 500

// Queue is the shared, time-ordered store of pending and settled actions.
//
// Multiple producers insert batches concurrently; exactly one consumer pops.
// Insert re-resolves minimum spacing across the union of all pending,
// not-yet-popped actions under the queue mutex, so two batches from
// near-simultaneous trigger firings can never interleave into a schedule
// that violates the gap invariant.
type Queue struct {
	mu         sync.Mutex
	actions    []*Action
	seq        uint64
	settledMax int

	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		settledMax: defaultSettledMax,
		notify:     make(chan struct{}, 1),
	}
}

// Changes returns a channel that receives a signal whenever the set of
// pending actions may have changed. Single buffered; consumers must re-scan.
func (q *Queue) Changes() <-chan struct{} { return q.notify }

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Insert adds a batch atomically and re-resolves conflict-free spacing over
// all pending actions.
func (q *Queue) Insert(batch []*Action) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	for _, a := range batch {
		q.seq++
		a.seq = q.seq
		a.Status = StatusPending
		q.actions = append(q.actions, a)
	}
	q.resolveLocked()
	q.mu.Unlock()
	q.wake()
}

// resolveLocked enforces the gap invariant globally: stable-sort every
// pending, not-yet-popped action by (scheduled time, insertion order) and
// greedily push later elements forward. Actions already handed to the
// consumer keep their times.
func (q *Queue) resolveLocked() {
	pend := make([]*Action, 0, len(q.actions))
	for _, a := range q.actions {
		if a.Status == StatusPending && !a.popped {
			pend = append(pend, a)
		}
	}
	sort.SliceStable(pend, func(i, j int) bool {
		if !pend[i].ScheduledAt.Equal(pend[j].ScheduledAt) {
			return pend[i].ScheduledAt.Before(pend[j].ScheduledAt)
		}
		return pend[i].seq < pend[j].seq
	})
	for i := 1; i < len(pend); i++ {
		gap := pend[i].MinGap
		if pend[i-1].MinGap > gap {
			gap = pend[i-1].MinGap
		}
		if gap <= 0 {
			continue
		}
		if pend[i].ScheduledAt.Sub(pend[i-1].ScheduledAt) < gap {
			pend[i].ScheduledAt = pend[i-1].ScheduledAt.Add(gap)
		}
	}
}

// Pop hands the earliest due pending action to the consumer.
//
// Returns (action, _, true) when an action is due at now: the action is
// marked in-flight and a copy is returned; the caller must eventually call
// Settle. Returns (nil, next, false) when pending work exists but none is due
// yet, where next is the earliest scheduled time. Returns (nil, zero, false)
// on an empty queue.
func (q *Queue) Pop(now time.Time) (*Action, time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest *Action
	for _, a := range q.actions {
		if a.Status != StatusPending || a.popped {
			continue
		}
		if earliest == nil ||
			a.ScheduledAt.Before(earliest.ScheduledAt) ||
			(a.ScheduledAt.Equal(earliest.ScheduledAt) && a.seq < earliest.seq) {
			earliest = a
		}
	}
	if earliest == nil {
		return nil, time.Time{}, false
	}
	if earliest.ScheduledAt.After(now) {
		return nil, earliest.ScheduledAt, false
	}
	earliest.popped = true
	cp := *earliest
	return &cp, time.Time{}, true
}

// Settle records the terminal outcome of a popped action.
func (q *Queue) Settle(id string, st Status, attempts int, errMsg string, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, a := range q.actions {
		if a.ID != id {
			continue
		}
		a.Status = st
		a.Attempts = attempts
		a.Error = errMsg
		a.SettledAt = at
		break
	}
	q.pruneLocked()
}

// CancelRequest withdraws a request's pending actions. Popped actions run to
// a terminal state regardless. Returns the number of actions removed.
func (q *Queue) CancelRequest(requestID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.actions[:0]
	removed := 0
	for _, a := range q.actions {
		if a.Request == requestID && a.Status == StatusPending && !a.popped {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	q.actions = kept
	return removed
}

func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, a := range q.actions {
		if a.Status == StatusPending {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all actions, pending first by scheduled time.
func (q *Queue) Snapshot() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Action, 0, len(q.actions))
	for _, a := range q.actions {
		out = append(out, *a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].terminal() != out[j].terminal() {
			return !out[i].terminal()
		}
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (q *Queue) pruneLocked() {
	settled := 0
	for _, a := range q.actions {
		if a.terminal() {
			settled++
		}
	}
	if settled <= q.settledMax {
		return
	}
	drop := settled - q.settledMax
	kept := q.actions[:0]
	for _, a := range q.actions {
		if drop > 0 && a.terminal() {
			drop--
			continue
		}
		kept = append(kept, a)
	}
	q.actions = kept
}
