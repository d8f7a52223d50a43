// Package events is the in-process pub/sub bus between the stream managers,
// the strategy engine and the reporter.
package events

import (
	"sync"
)

// Bus routes event payloads to subscriber channels. Delivery is best-effort:
// a subscriber that falls behind its buffer loses messages instead of
// stalling publishers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Event]map[int]chan any
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event]map[int]chan any)}
}

// Subscribe registers a buffered listener for one event. The returned cancel
// function closes the channel and drops the registration; calling it more
// than once is harmless. Subscribing to a closed bus yields an already-closed
// channel.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	if b.subs[e] == nil {
		b.subs[e] = make(map[int]chan any)
	}
	b.subs[e][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[e][id]; ok {
			delete(b.subs[e], id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers the payload to every subscriber of the event without
// blocking. A full subscriber buffer drops the message for that subscriber
// only.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Close shuts the bus down: every subscriber channel is closed so consumer
// loops terminate, and later Publish and Subscribe calls become no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
}
