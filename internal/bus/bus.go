package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Delivery to a subscriber is non-blocking: a full subscriber buffer drops
// the event for that subscriber only, so one slow consumer cannot stall the
// dispatcher or starve the others.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int
}

// Subscription is a handle to an active bus subscription.
type Subscription struct {
	namespace string
	ch        chan Event
	cancel    func()
}

// C returns the channel on which matching events are delivered.
func (s *Subscription) C() <-chan Event { return s.ch }

// Cancel removes the subscription. Safe to call more than once; events
// published after Cancel returns are not delivered.
func (s *Subscription) Cancel() { s.cancel() }

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a subscriber for all events whose Kind has the given
// namespace prefix. bufSize bounds how many undelivered events are held
// before further ones are dropped for this subscriber.
func (b *Bus) Subscribe(namespace string, bufSize int) *Subscription {
	sub := &Subscription{
		namespace: namespace,
		ch:        make(chan Event, bufSize),
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return sub
}

// Publish delivers evt to every subscriber whose namespace prefixes evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}
