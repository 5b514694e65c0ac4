// Package changes fans record mutations out to change-feed subscribers.
package changes

import (
	"sync"
	"time"

	"github.com/seantiz/stowage/internal/model"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker manages per-backend change streams. It is safe for concurrent use.
//
// Sequence numbers are assigned by the broker and increase across all
// backends, so a consumer can detect gaps caused by dropped events.
type Broker struct {
	mu     sync.Mutex
	seq    int64
	now    func() time.Time
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan model.ChangeEvent
	nextID int
}

// NewBroker creates a new change broker.
func NewBroker() *Broker {
	return &Broker{
		now:    time.Now,
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives change events for the named
// backend and an unsubscribe function.
func (b *Broker) Subscribe(backendName string) (<-chan model.ChangeEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[backendName]
	if !ok {
		t = &topic{subs: make(map[int]chan model.ChangeEvent)}
		b.topics[backendName] = t
	}

	ch := make(chan model.ChangeEvent, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	subscribersActive.Inc()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			subscribersActive.Dec()
		}
	}
}

// Publish stamps ev with the next sequence number and time and sends it to
// all subscribers of ev.Backend. Events are dropped for subscribers whose
// buffers are full. The stamped event is returned.
func (b *Broker) Publish(ev model.ChangeEvent) model.ChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	ev.At = b.now().UTC()
	eventsPublished.WithLabelValues(ev.Op).Inc()

	t, ok := b.topics[ev.Backend]
	if !ok {
		return ev
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop events for slow subscribers to avoid blocking writers.
			eventsDropped.Inc()
		}
	}
	return ev
}

// Close ends every stream for the named backend, for instance when it stops
// being the active one. Subscribers see their channel closed; later
// subscriptions start a new stream.
func (b *Broker) Close(backendName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[backendName]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
		subscribersActive.Dec()
	}
	delete(b.topics, backendName)
}
