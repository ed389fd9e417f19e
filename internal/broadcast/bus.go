// Package broadcast fans live engine events out to SSE subscribers. Each
// subscriber gets a buffered channel; publishers never block, so a stalled
// client drops frames instead of stalling the mission loop.
package broadcast

import (
	"sync"

	"pulz/internal/logging"
)

// Event is one frame on the live feed: an SSE event name plus a payload
// that is serialised as the data line.
type Event struct {
	Type string
	Data any
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Bus is a drop-on-full publish/subscribe hub.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[<-chan Event]chan Event
	buffer      int
	closed      bool
}

// New creates a Bus with the given per-subscriber buffer. A non-positive
// buffer falls back to DefaultBuffer.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subscribers: make(map[<-chan Event]chan Event),
		buffer:      buffer,
	}
}

// Subscribe registers a new subscriber and returns its receive channel.
// The channel is closed by Unsubscribe or Close.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = ch
	logging.Get(logging.CategoryFeed).Debug("Subscriber added, total=%d", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Safe to call
// with a channel that was already removed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	send, ok := b.subscribers[ch]
	if !ok {
		return
	}
	delete(b.subscribers, ch)
	close(send)
	logging.Get(logging.CategoryFeed).Debug("Subscriber removed, total=%d", len(b.subscribers))
}

// Publish delivers an event to every subscriber. Full subscriber buffers
// drop the event for that subscriber only.
func (b *Bus) Publish(eventType string, data any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	ev := Event{Type: eventType, Data: data}
	for _, send := range b.subscribers {
		select {
		case send <- ev:
		default:
			logging.Get(logging.CategoryFeed).Debug("Dropped %s frame for slow subscriber", eventType)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, send := range b.subscribers {
		close(send)
	}
	b.subscribers = make(map[<-chan Event]chan Event)
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
