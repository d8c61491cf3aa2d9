package eventbus

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"

	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/saga"
)

// Transport delivers an encoded envelope to a subject.
type Transport interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// Telemetry observes publish outcomes.
type Telemetry interface {
	RecordEventPublished(eventType, status string)
	RecordEventPublishRetry()
	SetEventBusDegraded(degraded bool)
}

type nopTelemetry struct{}

func (nopTelemetry) RecordEventPublished(string, string) {}
func (nopTelemetry) RecordEventPublishRetry()            {}
func (nopTelemetry) SetEventBusDegraded(bool)            {}

// RetryConfig is the exponential backoff applied to failed publishes.
// MaxRetries counts attempts after the first one.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig retries three times, from 50ms up to 2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2,
	}
}

func (c RetryConfig) validate() error {
	switch {
	case c.MaxRetries < 0:
		return errors.New("eventbus: max retries cannot be negative")
	case c.InitialBackoff <= 0, c.MaxBackoff <= 0:
		return errors.New("eventbus: backoff durations must be positive")
	case c.BackoffFactor < 1:
		return errors.New("eventbus: backoff factor must be at least 1")
	}
	return nil
}

func (c RetryConfig) policy() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval: c.InitialBackoff,
		Multiplier:      c.BackoffFactor,
		MaxInterval:     c.MaxBackoff,
	}
}

// LifecycleEvent is what the engine hands the publisher for one saga, step
// or compensation transition.
type LifecycleEvent struct {
	Domain      Domain
	EventType   string
	SagaType    string
	SagaID      string
	AggregateID string
	StepName    string
	Schema      string
	Timestamp   time.Time
	Payload     any
	// OrderingKey defaults to SagaID, then AggregateID.
	OrderingKey string
}

func (ev LifecycleEvent) orderingKey() string {
	for _, k := range []string{ev.OrderingKey, ev.SagaID, ev.AggregateID} {
		if k != "" {
			return k
		}
	}
	return ""
}

// subject maps the event onto the lifecycle subject tree.
func (ev LifecycleEvent) subject() (string, error) {
	if ev.EventType == "" {
		return "", errors.New("eventbus: event type cannot be empty")
	}
	switch ev.Domain {
	case DomainSaga, DomainStep, DomainCompensation:
	default:
		return "", errors.Errorf("eventbus: unsupported domain %q", ev.Domain)
	}
	_, action := SplitEventType(saga.EventType(ev.EventType))
	return Subject(ev.Domain, ev.SagaType, action), nil
}

// PublisherOption customizes a Publisher.
type PublisherOption func(*Publisher)

// WithTelemetry sets the publish telemetry sink.
func WithTelemetry(t Telemetry) PublisherOption {
	return func(p *Publisher) {
		if t != nil {
			p.telemetry = t
		}
	}
}

// WithLogger sets the publisher logger.
func WithLogger(log logger.Logger) PublisherOption {
	return func(p *Publisher) {
		if log != nil {
			p.log = log
		}
	}
}

// WithSchemaRouter rejects outgoing envelopes the router does not accept.
func WithSchemaRouter(r *SchemaRouter) PublisherOption {
	return func(p *Publisher) { p.router = r }
}

// Publisher stamps lifecycle events with a per-key sequence and ships them
// over a Transport. A publish that exhausts its retries puts the publisher in
// degraded mode: later events get one attempt each, so a broker outage never
// stalls saga execution. The first success leaves degraded mode.
type Publisher struct {
	transport Transport
	nodeID    string
	retry     RetryConfig
	telemetry Telemetry
	router    *SchemaRouter
	log       logger.Logger

	mu        sync.Mutex
	sequences map[string]int64
	degraded  bool
}

// NewPublisher creates a publisher identified as nodeID.
func NewPublisher(nodeID string, transport Transport, retry RetryConfig, opts ...PublisherOption) (*Publisher, error) {
	if nodeID == "" {
		return nil, errors.New("eventbus: node id cannot be empty")
	}
	if transport == nil {
		return nil, errors.New("eventbus: transport cannot be nil")
	}
	if err := retry.validate(); err != nil {
		return nil, err
	}
	p := &Publisher{
		transport: transport,
		nodeID:    nodeID,
		retry:     retry,
		telemetry: nopTelemetry{},
		log:       logger.Nop(),
		sequences: make(map[string]int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// PublishLifecycleEvent encodes ev and publishes it, retrying with backoff.
// It returns the envelope that was sent.
func (p *Publisher) PublishLifecycleEvent(ctx context.Context, ev LifecycleEvent) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}
	subject, err := ev.subject()
	if err != nil {
		return Envelope{}, err
	}
	key := ev.orderingKey()
	if key == "" {
		return Envelope{}, errors.New("eventbus: ordering key cannot be empty")
	}

	env, err := Seal(Envelope{
		EventType:     ev.EventType,
		SchemaVersion: ev.Schema,
		Timestamp:     ev.Timestamp,
		NodeID:        p.nodeID,
		SagaType:      ev.SagaType,
		SagaID:        ev.SagaID,
		AggregateID:   ev.AggregateID,
		StepName:      ev.StepName,
		OrderingKey:   key,
		Sequence:      p.nextSequence(key),
	}, ev.Payload)
	if err != nil {
		return Envelope{}, err
	}
	if p.router != nil {
		if err := p.router.Validate(env); err != nil {
			return Envelope{}, err
		}
	}
	body, err := json.Marshal(env)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "eventbus: encode envelope")
	}

	tries := uint(p.retry.MaxRetries) + 1
	if p.Degraded() {
		tries = 1
	}
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.transport.Publish(ctx, subject, body)
	},
		backoff.WithBackOff(p.retry.policy()),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(error, time.Duration) { p.telemetry.RecordEventPublishRetry() }),
	)
	if err == nil {
		p.telemetry.RecordEventPublished(ev.EventType, "success")
		p.setDegraded(false, nil)
		return env, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Envelope{}, ctxErr
	}
	p.telemetry.RecordEventPublished(ev.EventType, "failed")
	p.setDegraded(true, err)
	return Envelope{}, errors.Wrap(err, "eventbus: publish failed")
}

// Degraded reports whether the last publish exhausted its retries.
func (p *Publisher) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *Publisher) nextSequence(key string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequences[key]++
	return p.sequences[key]
}

func (p *Publisher) setDegraded(degraded bool, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.degraded == degraded {
		return
	}
	p.degraded = degraded
	p.telemetry.SetEventBusDegraded(degraded)
	if degraded {
		p.log.Warn("event bus degraded", "node_id", p.nodeID, "error", cause)
	} else {
		p.log.Info("event bus recovered", "node_id", p.nodeID)
	}
}

// MultiTransport publishes every message to all of its transports.
type MultiTransport []Transport

// Publish fans out to each transport and joins their errors.
func (m MultiTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	var errs []error
	for _, t := range m {
		if t == nil {
			continue
		}
		if err := t.Publish(ctx, subject, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
