// Package events is a lightweight in-process pub/sub broker. Side listeners
// (telemetry, websocket pushes) subscribe to engine milestones; failure to
// notify is non-fatal by construction because publishing never blocks.
package events

import (
	"sync"
)

// Event identifies a broker topic.
type Event string

const (
	EventAggregatePlaced Event = "aggregate.placed"
	EventAggregateClosed Event = "aggregate.closed"
	EventChildPlaced     Event = "child.placed"
	EventChildRejected   Event = "child.rejected"
	EventChildClosed     Event = "child.closed"
	EventChildCancelled  Event = "child.cancelled"
	EventLedgerPosted    Event = "ledger.posted"
	EventEquityTriggered Event = "equity.triggered"
	EventCacheHealed     Event = "cache.healed"
)

// Bus is a channel-based broker.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]chan any
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for an event and returns the channel and an
// unsubscribe function.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[e]
		for i, c := range subs {
			if c == ch {
				close(c)
				b.subs[e] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// Publish fans the payload out to subscribers asynchronously to avoid
// blocking the engine's mutation paths.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			// drop if subscriber is slow; keep broker non-blocking
		}
	}
}
