// Package events provides the in-process pub/sub bus that fans controller
// events out to observers such as the /ws/events stream and the CLI.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/vertiport/internal/protocol"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 64

// Bus is a simple pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan protocol.Envelope
	bufferSize  int
	dropped     map[string]int
	closed      bool
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subscribers: make(map[string]chan protocol.Envelope),
		dropped:     make(map[string]int),
		bufferSize:  bufferSize,
	}
}

// Publish wraps payload in an envelope and sends it to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(typ protocol.EventType, payload any) protocol.Envelope {
	env := protocol.Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	b.PublishEnvelope(env)
	return env
}

// PublishEnvelope sends a prepared envelope to all subscribers.
func (b *Bus) PublishEnvelope(env protocol.Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- env:
		default:
			b.dropped[id]++
		}
	}
}

// Subscribe returns a channel of events and a function that unsubscribes.
func (b *Bus) Subscribe() (<-chan protocol.Envelope, func()) {
	id := uuid.NewString()
	ch := b.SubscribeID(id)
	return ch, func() { b.Unsubscribe(id) }
}

// SubscribeID registers a subscriber under id. Call Unsubscribe with the same
// id when done.
func (b *Bus) SubscribeID(id string) <-chan protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan protocol.Envelope, b.bufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	if old, ok := b.subscribers[id]; ok {
		close(old)
	}
	b.subscribers[id] = ch
	b.dropped[id] = 0
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		delete(b.dropped, id)
	}
}

// Dropped returns how many events were dropped for subscriber id.
func (b *Bus) Dropped(id string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[id]
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// JSON encodes the envelope as a websocket text frame body.
func JSON(env protocol.Envelope) ([]byte, error) {
	return json.Marshal(env)
}
