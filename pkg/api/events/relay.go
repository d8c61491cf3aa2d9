package events

import (
	"context"

	"github.com/goclaw/sagaflow/pkg/eventbus"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/saga"
)

const relayBuffer = 256

// Relay decodes saga events from the local event bus and publishes them to a
// Broadcaster. Redelivered envelopes are dropped by event id.
type Relay struct {
	bus         *eventbus.MemoryBus
	pattern     string
	broadcaster *Broadcaster
	consumer    *eventbus.EnvelopeConsumer
	log         logger.Logger
}

// NewRelay creates a relay for every lifecycle subject.
func NewRelay(bus *eventbus.MemoryBus, b *Broadcaster, router *eventbus.SchemaRouter, log logger.Logger) *Relay {
	if log == nil {
		log = logger.Nop()
	}
	return &Relay{
		bus:         bus,
		pattern:     eventbus.SubjectPrefix + ".>",
		broadcaster: b,
		consumer:    eventbus.NewEnvelopeConsumer(router),
		log:         log.With("component", "event_relay"),
	}
}

// Run relays until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub, err := r.bus.Subscribe(r.pattern, relayBuffer)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			r.handle(msg)
		}
	}
}

func (r *Relay) handle(msg eventbus.Message) {
	d, err := r.consumer.Consume(msg.Payload)
	switch {
	case err != nil:
		r.log.Warn("dropping invalid envelope", "subject", msg.Subject, "error", err)
	case d.Duplicate:
		r.log.Debug("dropping redelivered envelope", "event_id", d.Envelope.EventID)
	default:
		ev, ok := d.Value.(saga.Event)
		if !ok {
			r.log.Debug("ignoring non-saga envelope", "subject", msg.Subject, "schema_version", d.Envelope.SchemaVersion)
			return
		}
		r.broadcaster.Publish(ev)
	}
}
