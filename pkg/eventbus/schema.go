package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// ErrInvalidEnvelope marks envelopes rejected by a SchemaRouter.
var ErrInvalidEnvelope = errors.New("eventbus: invalid envelope")

var envelopeValidator = validator.New()

// PayloadSchema lists the payload keys one event type must carry in one
// schema version.
type PayloadSchema struct {
	SchemaVersion string
	EventType     string
	Required      []string
}

// EnvelopeDecoder turns an envelope of one schema version into the value
// handed to consumers.
type EnvelopeDecoder func(Envelope) (any, error)

type schemaKey struct {
	version   string
	eventType string
}

// SchemaRouter validates envelopes on both sides of the bus and picks the
// decoder for their schema version. Envelopes of an event type without a
// registered schema only get the envelope checks.
type SchemaRouter struct {
	mu       sync.RWMutex
	schemas  map[schemaKey]PayloadSchema
	decoders map[string]EnvelopeDecoder
}

// NewSchemaRouter creates an empty router.
func NewSchemaRouter() *SchemaRouter {
	return &SchemaRouter{
		schemas:  make(map[schemaKey]PayloadSchema),
		decoders: make(map[string]EnvelopeDecoder),
	}
}

// Register adds or replaces a payload schema.
func (r *SchemaRouter) Register(schema PayloadSchema) error {
	if schema.SchemaVersion == "" || schema.EventType == "" {
		return errors.New("eventbus: schema needs a version and an event type")
	}
	r.mu.Lock()
	r.schemas[schemaKey{schema.SchemaVersion, schema.EventType}] = schema
	r.mu.Unlock()
	return nil
}

// Decoder sets the decoder used for envelopes of version.
func (r *SchemaRouter) Decoder(version string, decode EnvelopeDecoder) error {
	if version == "" || decode == nil {
		return errors.New("eventbus: decoder needs a version and a function")
	}
	r.mu.Lock()
	r.decoders[version] = decode
	r.mu.Unlock()
	return nil
}

// Validate checks the envelope header and, when a schema is registered for
// its version and type, the payload keys.
func (r *SchemaRouter) Validate(env Envelope) error {
	if err := checkHeader(env); err != nil {
		return err
	}

	r.mu.RLock()
	schema, ok := r.schemas[schemaKey{env.SchemaVersion, env.EventType}]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		return errors.Wrapf(ErrInvalidEnvelope, "payload of %s is not an object: %v", env.EventType, err)
	}
	for _, key := range schema.Required {
		if _, present := fields[key]; !present {
			return errors.Wrapf(ErrInvalidEnvelope, "payload of %s lacks %q", env.EventType, key)
		}
	}
	return nil
}

// Decode runs the decoder registered for the envelope's version. Without one
// the envelope itself is returned.
func (r *SchemaRouter) Decode(env Envelope) (any, error) {
	r.mu.RLock()
	decode, ok := r.decoders[env.SchemaVersion]
	r.mu.RUnlock()
	if !ok {
		return env, nil
	}
	return decode(env)
}

func unmarshalPayload(env Envelope, out any) error {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("eventbus: decode payload of %s: %w", env.EventType, err)
	}
	return nil
}

// sagaEventTypes is every lifecycle event the engine emits.
var sagaEventTypes = []saga.EventType{
	saga.EventSagaStarted, saga.EventSagaCompleted, saga.EventSagaFailed,
	saga.EventSagaPaused, saga.EventSagaResumed, saga.EventSagaCancelled,
	saga.EventSagaCompensating, saga.EventSagaCompensated,
	saga.EventStepStarted, saga.EventStepCompleted, saga.EventStepFailed,
	saga.EventStepSkipped, saga.EventStepCompensated,
}

// SagaEventSchema is the v1 payload contract of a saga event.
func SagaEventSchema(t saga.EventType) PayloadSchema {
	return PayloadSchema{
		SchemaVersion: SchemaVersionV1,
		EventType:     string(t),
		Required:      []string{"type", "saga_id", "status", "timestamp"},
	}
}

// NewSagaSchemaRouter returns a router that knows every saga event type, plus
// extra, and decodes v1 envelopes into saga.Event.
func NewSagaSchemaRouter(extra ...saga.EventType) *SchemaRouter {
	r := NewSchemaRouter()
	for _, t := range append(sagaEventTypes[:len(sagaEventTypes):len(sagaEventTypes)], extra...) {
		_ = r.Register(SagaEventSchema(t))
	}
	_ = r.Decoder(SchemaVersionV1, func(env Envelope) (any, error) {
		return DecodeEvent(env)
	})
	return r
}
