// Package event implements a named-event registry used by the connection
// manager to fan out status changes and inbound messages.
//
// Listeners are invoked synchronously in registration order. A panicking
// listener is recovered and logged; delivery continues to the remaining
// listeners.
package event

import (
	"log/slog"
	"sync"
)

// Well-known event names emitted by the connection manager. Per-channel
// events use ChannelEvent.
const (
	StatusChange = "statusChange"
	Connected    = "connected"
	Disconnected = "disconnected"
	Error        = "error"
	Message      = "message"
)

// ChannelEvent returns the event name for a logical channel's messages.
func ChannelEvent(channel string) string {
	return "channel:" + channel
}

// Listener handles a single emitted event value.
type Listener func(data any)

type registration struct {
	id int64
	fn Listener
}

// Bus is a named-event fan-out registry.
type Bus struct {
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[string][]registration
	nextID    int64
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:    logger,
		listeners: make(map[string][]registration),
	}
}

// On registers a listener for an event and returns its removal function.
// The removal function is idempotent.
func (b *Bus) On(event string, fn Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[event] = append(b.listeners[event], registration{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		regs := b.listeners[event]
		for i, r := range regs {
			if r.id == id {
				b.listeners[event] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		if len(b.listeners[event]) == 0 {
			delete(b.listeners, event)
		}
	}
}

// Off removes all listeners for an event. A single listener is removed
// through the function returned by On.
func (b *Bus) Off(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, event)
}

// Emit delivers data to every listener of the event, in registration
// order. Listener panics are recovered and logged without stopping
// delivery.
func (b *Bus) Emit(event string, data any) {
	b.mu.Lock()
	regs := b.listeners[event]
	snapshot := make([]registration, len(regs))
	copy(snapshot, regs)
	b.mu.Unlock()

	for _, r := range snapshot {
		b.invoke(event, r.fn, data)
	}
}

func (b *Bus) invoke(event string, fn Listener, data any) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("event listener panicked",
				"event", event,
				"panic", rec,
			)
		}
	}()
	fn(data)
}

// ListenerCount returns the number of listeners registered for an event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event])
}
