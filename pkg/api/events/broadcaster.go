// Package events fans saga lifecycle events out to in-process subscribers,
// such as websocket clients.
package events

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/goclaw/sagaflow/pkg/saga"
)

const defaultBuffer = 16

// Filter selects events. Each non-empty list must contain the event's value;
// an empty Filter matches everything.
type Filter struct {
	SagaIDs    []string
	SagaTypes  []string
	EventTypes []saga.EventType
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev saga.Event) bool {
	if len(f.SagaIDs) > 0 && !slices.Contains(f.SagaIDs, ev.SagaID) {
		return false
	}
	if len(f.SagaTypes) > 0 && !slices.Contains(f.SagaTypes, ev.SagaType) {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, ev.Type) {
		return false
	}
	return true
}

// Subscription is one subscriber's view of the stream. Events that do not fit
// in its buffer are dropped and counted; the first drop closes Lagged.
type Subscription struct {
	ch      chan saga.Event
	mu      sync.RWMutex
	filter  Filter
	dropped atomic.Uint64
	lagged  chan struct{}
	lagOnce sync.Once
}

// C delivers matching events. It is closed by Unsubscribe or Close.
func (s *Subscription) C() <-chan saga.Event { return s.ch }

// Lagged is closed once the subscription has dropped an event.
func (s *Subscription) Lagged() <-chan struct{} { return s.lagged }

// Dropped returns how many events were dropped for this subscriber.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Filter returns the current filter.
func (s *Subscription) Filter() Filter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// SetFilter replaces the filter for subsequent events.
func (s *Subscription) SetFilter(f Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

// Update changes the filter in place.
func (s *Subscription) Update(fn func(*Filter)) {
	s.mu.Lock()
	fn(&s.filter)
	s.mu.Unlock()
}

func (s *Subscription) offer(ev saga.Event) {
	if !s.Filter().Match(ev) {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		s.lagOnce.Do(func() { close(s.lagged) })
	}
}

// Broadcaster delivers each published event to every matching subscription
// without blocking on slow subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBroadcaster creates a broadcaster instance.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscription. A non-positive buffer uses the default.
// Subscribing to a closed broadcaster returns an already closed subscription.
func (b *Broadcaster) Subscribe(f Filter, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &Subscription{
		ch:     make(chan saga.Event, buffer),
		filter: f,
		lagged: make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes its channel. It is a no-op for unknown or
// already removed subscriptions.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Publish offers ev to every subscription. Sends happen under the read lock
// so Unsubscribe never closes a channel mid-send.
func (b *Broadcaster) Publish(ev saga.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.offer(ev)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}
