package eventbus

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const defaultSubscriptionBuffer = 32

// Message is one delivery from the in-process bus.
type Message struct {
	Subject   string
	Payload   []byte
	Timestamp time.Time
}

// pattern is a compiled subject pattern. "*" matches one segment and a
// trailing ">" matches the prefix itself or any deeper subject.
type pattern struct {
	raw    string
	tokens []string
	tail   bool
}

func compilePattern(raw string) pattern {
	if raw == ">" {
		return pattern{raw: raw, tail: true}
	}
	tokens := strings.Split(raw, ".")
	p := pattern{raw: raw, tokens: tokens}
	if tokens[len(tokens)-1] == ">" {
		p.tokens = tokens[:len(tokens)-1]
		p.tail = true
	}
	return p
}

func (p pattern) match(subject string) bool {
	if p.raw == subject {
		return true
	}
	parts := strings.Split(subject, ".")
	if p.tail {
		if len(parts) < len(p.tokens) {
			return false
		}
		return p.matchTokens(parts[:len(p.tokens)])
	}
	return len(parts) == len(p.tokens) && p.matchTokens(parts)
}

func (p pattern) matchTokens(parts []string) bool {
	for i, tok := range p.tokens {
		if tok != "*" && tok != parts[i] {
			return false
		}
	}
	return true
}

// Subscription receives messages whose subject matches its pattern. When the
// buffer is full new messages are dropped and counted.
type Subscription struct {
	pattern pattern
	ch      chan Message
	bus     *MemoryBus
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Pattern returns the subject pattern this subscription was created with.
func (s *Subscription) Pattern() string {
	return s.pattern.raw
}

// Dropped returns how many messages did not fit in the buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
	return nil
}

// MemoryBus is the in-process transport between the publisher and local
// consumers such as the websocket relay. Publish never blocks.
type MemoryBus struct {
	mu   sync.RWMutex
	subs []*Subscription
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish delivers a copy of payload to every matching subscription.
func (b *MemoryBus) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	if subject == "" {
		return errors.New("eventbus: subject cannot be empty")
	}
	msg := Message{
		Subject:   subject,
		Payload:   slices.Clone(payload),
		Timestamp: time.Now().UTC(),
	}

	// Close takes the write lock, so no channel is closed mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.pattern.match(subject) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers pattern with a buffer of the given size.
func (b *MemoryBus) Subscribe(subjectPattern string, buffer int) (*Subscription, error) {
	if subjectPattern == "" {
		return nil, errors.New("eventbus: subscription pattern cannot be empty")
	}
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	s := &Subscription{
		pattern: compilePattern(subjectPattern),
		ch:      make(chan Message, buffer),
		bus:     b,
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

// Subscribers returns the number of open subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryBus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = slices.DeleteFunc(b.subs, func(s *Subscription) bool { return s == target })
}
