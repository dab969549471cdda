// Package queue implements the bounded, priority-biased buffer of
// outbound messages awaiting transmission.
//
// High-priority messages are inserted at the front; everything else is
// appended, so ties among non-high messages keep arrival order. When the
// queue is at capacity the oldest entry is evicted before insertion.
// There is no full reordering on insert.
package queue

import (
	"sync"

	"github.com/quotestream/realtime/internal/protocol"
)

// Pending is a thread-safe bounded queue of outbound messages.
type Pending struct {
	mu       sync.Mutex
	entries  []protocol.Message
	capacity int

	// Stats
	totalEnqueued int64
	totalDrained  int64
	totalEvicted  int64
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Depth         int
	Capacity      int
	TotalEnqueued int64
	TotalDrained  int64
	TotalEvicted  int64
}

// NewPending creates a queue bounded at capacity entries.
func NewPending(capacity int) *Pending {
	if capacity < 1 {
		capacity = 1
	}
	return &Pending{
		entries:  make([]protocol.Message, 0, capacity),
		capacity: capacity,
	}
}

// Push inserts a message: high priority at the front, others at the back.
// At capacity the front entry is evicted to make room. Eviction follows
// drain order, not arrival order, so a high-priority message sitting at
// the front is dropped before older normal entries behind it. Returns
// true if an eviction occurred.
func (q *Pending) Push(m protocol.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
		q.totalEvicted++
		evicted = true
	}

	if m.Priority == protocol.PriorityHigh {
		q.entries = append([]protocol.Message{m}, q.entries...)
	} else {
		q.entries = append(q.entries, m)
	}
	q.totalEnqueued++

	return evicted
}

// Pop removes and returns the front message.
func (q *Pending) Pop() (protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return protocol.Message{}, false
	}

	m := q.entries[0]
	q.entries = q.entries[1:]
	q.totalDrained++
	return m, true
}

// Peek returns the front message without removing it.
func (q *Pending) Peek() (protocol.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return protocol.Message{}, false
	}
	return q.entries[0], true
}

// Requeue puts a message back at the front after a failed drain step.
func (q *Pending) Requeue(m protocol.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append([]protocol.Message{m}, q.entries...)
}

// Len returns the current queue depth.
func (q *Pending) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the queued messages in drain order.
func (q *Pending) Snapshot() []protocol.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]protocol.Message, len(q.entries))
	copy(out, q.entries)
	return out
}

// Clear drops all queued messages.
func (q *Pending) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = q.entries[:0]
}

// Stats returns queue statistics.
func (q *Pending) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:         len(q.entries),
		Capacity:      q.capacity,
		TotalEnqueued: q.totalEnqueued,
		TotalDrained:  q.totalDrained,
		TotalEvicted:  q.totalEvicted,
	}
}
