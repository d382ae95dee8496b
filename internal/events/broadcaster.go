// Package events fans orchestrator events out to observers. Delivery is
// best-effort: a slow subscriber loses events rather than stalling workers.
package events

import (
	"sync"
	"time"

	"github.com/haasonsaas/dispatch/pkg/models"
)

// subscriberBuffer is the per-subscriber channel depth.
const subscriberBuffer = 64

// Broadcaster distributes events to any number of subscribers.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[int]chan models.Event
	nextID      int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[int]chan models.Event),
	}
}

// Subscribe returns a channel of events and a cancel function. The channel
// is closed on cancel.
func (b *Broadcaster) Subscribe() (<-chan models.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan models.Event, subscriberBuffer)
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Publish sends the event to every subscriber without blocking. Events to
// full subscriber buffers are dropped.
func (b *Broadcaster) Publish(event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is falling behind; drop rather than block.
		}
	}
}

// SubscriberCount reports the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
