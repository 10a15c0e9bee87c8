package forwarder

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flowmint/flowmint/pkg/models"
)

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 1000

// pending is a queued action plus its delivery bookkeeping. Only the drain
// goroutine touches the mutable fields.
type pending struct {
	action    models.Action
	attempts  int
	lastErr   string
	notBefore time.Time
	backoff   backoff.BackOff
}

// Queue is a bounded FIFO of pending actions. When full, Push evicts the
// oldest entry into the overflow list so it can be dead-lettered by the
// consumer; Push itself never blocks on I/O.
type Queue struct {
	mu       sync.Mutex
	items    []*pending
	overflow []models.Action
	capacity int
	dropped  int64
}

// NewQueue creates a queue holding at most capacity entries.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		items:    make([]*pending, 0, min(capacity, 64)),
		capacity: capacity,
	}
}

// Push appends a to the tail. It reports whether an older entry was
// evicted to make room.
func (q *Queue) Push(a models.Action) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		oldest := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.overflow = append(q.overflow, oldest.action)
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, &pending{action: a})
	return evicted
}

// peek returns the head without removing it.
func (q *Queue) peek() *pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// remove drops p if it is still the head. The head may already be gone if
// an overflow evicted it while a delivery was in flight.
func (q *Queue) remove(p *pending) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.items[0] != p {
		return false
	}
	q.items[0] = nil
	q.items = q.items[1:]
	return true
}

// takeOverflow returns and clears the actions evicted since the last call.
func (q *Queue) takeOverflow() []models.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.overflow
	q.overflow = nil
	return out
}

// drain removes and returns every queued action in FIFO order.
func (q *Queue) drain() []*pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = make([]*pending, 0, min(q.capacity, 64))
	return out
}

// Len reports the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap reports the queue's capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped reports how many entries overflow has evicted.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Snapshot returns the queued actions, oldest first.
func (q *Queue) Snapshot() []models.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.Action, len(q.items))
	for i, p := range q.items {
		out[i] = p.action
	}
	return out
}
