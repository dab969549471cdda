package queue

import (
	"fmt"
	"testing"

	"github.com/quotestream/realtime/internal/protocol"
)

func msg(id string, p protocol.Priority) protocol.Message {
	return protocol.Message{ID: id, Type: "quote", Priority: p}
}

func drainIDs(q *Pending) []string {
	var ids []string
	for {
		m, ok := q.Pop()
		if !ok {
			return ids
		}
		ids = append(ids, m.ID)
	}
}

func TestPending_FIFOForEqualPriority(t *testing.T) {
	q := NewPending(10)

	for i := 0; i < 5; i++ {
		q.Push(msg(fmt.Sprintf("m%d", i), protocol.PriorityNormal))
	}

	got := drainIDs(q)
	want := []string{"m0", "m1", "m2", "m3", "m4"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPending_HighPriorityFront(t *testing.T) {
	q := NewPending(10)

	q.Push(msg("n1", protocol.PriorityNormal))
	q.Push(msg("l1", protocol.PriorityLow))
	q.Push(msg("h1", protocol.PriorityHigh))
	q.Push(msg("n2", protocol.PriorityNormal))
	q.Push(msg("h2", protocol.PriorityHigh))

	got := drainIDs(q)
	want := []string{"h2", "h1", "n1", "l1", "n2"}
	if len(got) != len(want) {
		t.Fatalf("drained %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPending_EvictsOldestAtCapacity(t *testing.T) {
	q := NewPending(1000)

	for i := 0; i < 1001; i++ {
		q.Push(msg(fmt.Sprintf("m%d", i), protocol.PriorityNormal))
	}

	if q.Len() != 1000 {
		t.Fatalf("Len() = %d, want 1000", q.Len())
	}

	got := drainIDs(q)
	if got[0] != "m1" {
		t.Errorf("front = %s, want m1 (m0 evicted)", got[0])
	}
	for _, id := range got {
		if id == "m0" {
			t.Error("m0 should have been evicted")
		}
	}
}

func TestPending_EvictionReported(t *testing.T) {
	q := NewPending(2)

	if q.Push(msg("a", protocol.PriorityNormal)) {
		t.Error("first push should not evict")
	}
	if q.Push(msg("b", protocol.PriorityNormal)) {
		t.Error("second push should not evict")
	}
	if !q.Push(msg("c", protocol.PriorityNormal)) {
		t.Error("third push should evict")
	}

	stats := q.Stats()
	if stats.TotalEvicted != 1 {
		t.Errorf("TotalEvicted = %d, want 1", stats.TotalEvicted)
	}
	if stats.Depth != 2 {
		t.Errorf("Depth = %d, want 2", stats.Depth)
	}
}

func TestPending_EvictionFollowsDrainOrder(t *testing.T) {
	q := NewPending(2)
	q.Push(msg("n1", protocol.PriorityNormal))
	q.Push(msg("h1", protocol.PriorityHigh))

	// Queue is [h1 n1]; the next insert drops the front entry even
	// though h1 arrived last.
	q.Push(msg("n2", protocol.PriorityNormal))

	got := drainIDs(q)
	if len(got) != 2 || got[0] != "n1" || got[1] != "n2" {
		t.Errorf("queue after eviction = %v, want [n1 n2]", got)
	}
}

func TestPending_Requeue(t *testing.T) {
	q := NewPending(10)
	q.Push(msg("a", protocol.PriorityNormal))
	q.Push(msg("b", protocol.PriorityNormal))

	m, ok := q.Pop()
	if !ok || m.ID != "a" {
		t.Fatalf("Pop() = %v %v, want a", m.ID, ok)
	}

	// Failed drain step puts the message back at the front.
	q.Requeue(m)

	got := drainIDs(q)
	if got[0] != "a" || got[1] != "b" {
		t.Errorf("order after requeue = %v, want [a b]", got)
	}
}

func TestPending_PopEmpty(t *testing.T) {
	q := NewPending(4)
	if _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue should return false")
	}
	if _, ok := q.Peek(); ok {
		t.Error("Peek on empty queue should return false")
	}
}

func TestPending_Snapshot(t *testing.T) {
	q := NewPending(4)
	q.Push(msg("a", protocol.PriorityNormal))
	q.Push(msg("h", protocol.PriorityHigh))

	snap := q.Snapshot()
	if len(snap) != 2 || snap[0].ID != "h" || snap[1].ID != "a" {
		t.Errorf("Snapshot = %v, want [h a]", snap)
	}

	// Snapshot must not consume
	if q.Len() != 2 {
		t.Errorf("Len() = %d after snapshot, want 2", q.Len())
	}
}

func TestPending_Clear(t *testing.T) {
	q := NewPending(4)
	q.Push(msg("a", protocol.PriorityNormal))
	q.Clear()
	if q.Len() != 0 {
		t.Errorf("Len() = %d after clear, want 0", q.Len())
	}
}

func TestPending_Stats(t *testing.T) {
	q := NewPending(4)
	q.Push(msg("a", protocol.PriorityNormal))
	q.Push(msg("b", protocol.PriorityNormal))
	q.Pop()

	stats := q.Stats()
	if stats.TotalEnqueued != 2 {
		t.Errorf("TotalEnqueued = %d, want 2", stats.TotalEnqueued)
	}
	if stats.TotalDrained != 1 {
		t.Errorf("TotalDrained = %d, want 1", stats.TotalDrained)
	}
	if stats.Capacity != 4 {
		t.Errorf("Capacity = %d, want 4", stats.Capacity)
	}
}
