package saga

import "time"

// EventType names a saga lifecycle event.
type EventType string

const (
	EventSagaStarted      EventType = "saga.started"
	EventSagaCompleted    EventType = "saga.completed"
	EventSagaFailed       EventType = "saga.failed"
	EventSagaPaused       EventType = "saga.paused"
	EventSagaResumed      EventType = "saga.resumed"
	EventSagaCancelled    EventType = "saga.cancelled"
	EventSagaCompensating EventType = "saga.compensating"
	EventSagaCompensated  EventType = "saga.compensated"
	EventStepStarted      EventType = "step.started"
	EventStepCompleted    EventType = "step.completed"
	EventStepFailed       EventType = "step.failed"
	EventStepSkipped      EventType = "step.skipped"
	EventStepCompensated  EventType = "step.compensated"
)

// Event is emitted on every lifecycle transition and step boundary.
type Event struct {
	Type        EventType  `json:"type"`
	SagaID      string     `json:"saga_id"`
	SagaType    string     `json:"saga_type"`
	AggregateID string     `json:"aggregate_id"`
	Status      SagaStatus `json:"status"`
	StepName    string     `json:"step_name,omitempty"`
	StepIndex   int        `json:"step_index"`
	Reason      string     `json:"reason,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}
