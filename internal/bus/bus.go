// Package bus fans room events out to in-process observers such as the
// WebSocket bridge. Delivery is non-blocking: slow subscribers drop events
// rather than stall the publisher.
package bus

import (
	"log/slog"
	"sync"
)

// Event is one server-side occurrence pushed to observers.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// Bus is a process-local publish/subscribe hub.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// New builds an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers an observer. The returned channel is buffered; cancel
// releases it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber. A full subscriber buffer
// drops the event for that subscriber only.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("bus.subscriber_slow", "subscriber", id, "event", ev.Name)
		}
	}
}

// Len reports the number of live subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
