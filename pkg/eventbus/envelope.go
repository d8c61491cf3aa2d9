package eventbus

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// SchemaVersionV1 is the first lifecycle envelope schema.
const SchemaVersionV1 = "v1"

// Envelope wraps one lifecycle event on the wire. OrderingKey and Sequence
// let consumers restore per-saga order; EventID deduplicates redeliveries.
type Envelope struct {
	EventID       string          `json:"event_id" validate:"required"`
	EventType     string          `json:"event_type" validate:"required"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion string          `json:"schema_version" validate:"required"`
	NodeID        string          `json:"node_id" validate:"required"`
	SagaType      string          `json:"saga_type"`
	SagaID        string          `json:"saga_id,omitempty"`
	AggregateID   string          `json:"aggregate_id,omitempty"`
	StepName      string          `json:"step_name,omitempty"`
	OrderingKey   string          `json:"ordering_key" validate:"required"`
	Sequence      int64           `json:"sequence" validate:"gt=0"`
	Payload       json.RawMessage `json:"payload"`
}

// Seal completes a header filled in by the caller: it assigns a fresh event
// id, defaults the schema version and timestamp, encodes payload and checks
// the required fields.
func Seal(head Envelope, payload any) (Envelope, error) {
	head.EventID = uuid.NewString()
	if head.SchemaVersion == "" {
		head.SchemaVersion = SchemaVersionV1
	}
	if head.Timestamp.IsZero() {
		head.Timestamp = time.Now()
	}
	head.Timestamp = head.Timestamp.UTC()

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "eventbus: encode payload")
	}
	head.Payload = raw

	if err := checkHeader(head); err != nil {
		return Envelope{}, err
	}
	return head, nil
}

func checkHeader(env Envelope) error {
	err := envelopeValidator.Struct(env)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return errors.Wrapf(ErrInvalidEnvelope, "field %s failed %q", verrs[0].Field(), verrs[0].Tag())
	}
	return errors.Wrap(ErrInvalidEnvelope, err.Error())
}
