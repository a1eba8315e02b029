package bus

import (
	"sync"

	api "github.com/twinctl/twinctl/api/v1alpha1"
	"github.com/sirupsen/logrus"
)

// Bus is the in-process publish-subscribe channel for twin events. Publishing
// never blocks: a subscriber that cannot keep up has events dropped and
// logged. Per-device ordering of state mutations is the calculator's
// responsibility, not the bus's.
type Bus struct {
	log  logrus.FieldLogger
	mu   sync.RWMutex
	subs map[api.EventType][]*Subscription
}

// Subscription delivers matching events on C until Close is called.
type Subscription struct {
	C <-chan api.Event

	name   string
	ch     chan api.Event
	types  []api.EventType
	bus    *Bus
	closed bool
}

func New(log logrus.FieldLogger) *Bus {
	return &Bus{
		log:  log,
		subs: make(map[api.EventType][]*Subscription),
	}
}

// Subscribe registers a named subscriber for the given event types. The
// buffer size bounds how far the subscriber may fall behind before events
// are dropped.
func (b *Bus) Subscribe(name string, size int, types ...api.EventType) *Subscription {
	sub := &Subscription{
		name:  name,
		ch:    make(chan api.Event, size),
		types: types,
	}
	sub.C = sub.ch
	sub.bus = b

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.subs[t] = append(b.subs[t], sub)
	}
	return sub
}

// Publish fans the event out to every matching subscriber without blocking.
func (b *Bus) Publish(event api.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[event.Type] {
		select {
		case sub.ch <- event:
		default:
			b.log.Errorf("subscriber %s is full, dropping %s event for %s", sub.name, event.Type, event.Key())
		}
	}
}

// Close removes the subscription and closes its channel.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, t := range s.types {
		remaining := b.subs[t][:0]
		for _, sub := range b.subs[t] {
			if sub != s {
				remaining = append(remaining, sub)
			}
		}
		b.subs[t] = remaining
	}
	close(s.ch)
}
