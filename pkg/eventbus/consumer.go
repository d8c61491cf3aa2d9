package eventbus

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

const defaultDedupWindow = 4096

// Delivery is one consumed envelope. Value is what the router's decoder
// produced, or the envelope itself without a router.
type Delivery struct {
	Envelope  Envelope
	Value     any
	Duplicate bool
}

// ConsumerOption configures an EnvelopeConsumer.
type ConsumerOption func(*EnvelopeConsumer)

// WithDedupWindow sets how many recent event ids are remembered.
func WithDedupWindow(n int) ConsumerOption {
	return func(c *EnvelopeConsumer) {
		if n > 0 {
			c.window = n
		}
	}
}

// EnvelopeConsumer parses raw envelopes, validates and decodes them, and flags
// redeliveries. Only the most recent window of event ids is remembered, so
// memory stays bounded on long-lived streams.
type EnvelopeConsumer struct {
	router *SchemaRouter
	window int

	seen *xsync.MapOf[string, struct{}]

	mu    sync.Mutex
	order []string
	next  int
}

// NewEnvelopeConsumer creates a consumer. router may be nil.
func NewEnvelopeConsumer(router *SchemaRouter, opts ...ConsumerOption) *EnvelopeConsumer {
	c := &EnvelopeConsumer{
		router: router,
		window: defaultDedupWindow,
		seen:   xsync.NewMapOf[string, struct{}](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consume handles one raw message. Duplicates are reported without being
// decoded again.
func (c *EnvelopeConsumer) Consume(raw []byte) (Delivery, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Delivery{}, errors.Wrap(ErrInvalidEnvelope, err.Error())
	}
	if c.router != nil {
		if err := c.router.Validate(env); err != nil {
			return Delivery{}, err
		}
	}
	if !c.remember(env.EventID) {
		return Delivery{Envelope: env, Duplicate: true}, nil
	}

	d := Delivery{Envelope: env, Value: env}
	if c.router != nil {
		v, err := c.router.Decode(env)
		if err != nil {
			return Delivery{}, err
		}
		d.Value = v
	}
	return d, nil
}

// remember records id and reports whether it was new.
func (c *EnvelopeConsumer) remember(id string) bool {
	if _, loaded := c.seen.LoadOrStore(id, struct{}{}); loaded {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) < c.window {
		c.order = append(c.order, id)
		return true
	}
	c.seen.Delete(c.order[c.next])
	c.order[c.next] = id
	c.next = (c.next + 1) % c.window
	return true
}

// Remembered returns how many event ids are currently tracked.
func (c *EnvelopeConsumer) Remembered() int {
	return c.seen.Size()
}

// Forget drops every remembered event id.
func (c *EnvelopeConsumer) Forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Clear()
	c.order = c.order[:0]
	c.next = 0
}
