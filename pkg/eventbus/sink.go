package eventbus

import (
	"context"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// Sink turns saga events into lifecycle envelopes on a Publisher. It
// satisfies the engine's event publisher.
type Sink struct {
	publisher *Publisher
}

// NewSink wraps a publisher.
func NewSink(p *Publisher) *Sink {
	return &Sink{publisher: p}
}

// Publish sends one saga event, ordered per saga id.
func (s *Sink) Publish(ctx context.Context, ev saga.Event) error {
	domain, _ := SplitEventType(ev.Type)
	_, err := s.publisher.PublishLifecycleEvent(ctx, LifecycleEvent{
		Domain:      domain,
		EventType:   string(ev.Type),
		SagaType:    ev.SagaType,
		SagaID:      ev.SagaID,
		AggregateID: ev.AggregateID,
		StepName:    ev.StepName,
		Timestamp:   ev.Timestamp,
		Payload:     ev,
	})
	return err
}

// DecodeEvent extracts the saga event carried by an envelope.
func DecodeEvent(envelope Envelope) (saga.Event, error) {
	var ev saga.Event
	if err := unmarshalPayload(envelope, &ev); err != nil {
		return saga.Event{}, err
	}
	return ev, nil
}
