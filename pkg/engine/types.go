package engine

import (
	"context"
	"time"

	"github.com/goclaw/sagaflow/pkg/errorhandler"
	"github.com/goclaw/sagaflow/pkg/saga"
)

// ExecutionResult is the outcome of one saga execution. Failures are reported
// here, not as errors.
type ExecutionResult struct {
	Success       bool                   `json:"success"`
	SagaID        string                 `json:"saga_id"`
	Status        saga.SagaStatus        `json:"status"`
	ExecutionTime time.Duration          `json:"execution_time"`
	Data          map[string]any         `json:"data,omitempty"`
	Events        []saga.Event           `json:"events"`
	Error         string                 `json:"error,omitempty"`
	ErrorType     errorhandler.ErrorType `json:"error_type,omitempty"`
	Retries       int                    `json:"retries"`
}

// SagaStatistics describes one saga, running or persisted.
type SagaStatistics struct {
	SagaID           string          `json:"saga_id"`
	SagaType         string          `json:"saga_type"`
	AggregateID      string          `json:"aggregate_id"`
	Status           saga.SagaStatus `json:"status"`
	Running          bool            `json:"running"`
	CurrentStepIndex int             `json:"current_step_index"`
	TotalSteps       int             `json:"total_steps"`
	ExecutedSteps    int             `json:"executed_steps"`
	SkippedSteps     int             `json:"skipped_steps"`
	CompensatedSteps int             `json:"compensated_steps"`
	RecoveryAttempts int             `json:"recovery_attempts"`
	StartTime        time.Time       `json:"start_time"`
	LastUpdateTime   time.Time       `json:"last_update_time"`
	Duration         time.Duration   `json:"duration"`
	Error            string          `json:"error,omitempty"`
}

// ExecutionStatistics aggregates every execution of the engine.
type ExecutionStatistics struct {
	TotalExecutions      int64         `json:"total_executions"`
	SuccessfulExecutions int64         `json:"successful_executions"`
	FailedExecutions     int64         `json:"failed_executions"`
	RunningSagas         int           `json:"running_sagas"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	Recoveries           int64         `json:"recoveries"`
	FailedRecoveries     int64         `json:"failed_recoveries"`
	CleanedSnapshots     int64         `json:"cleaned_snapshots"`
}

// RunningSaga is a saga currently held by the engine.
type RunningSaga struct {
	SagaID           string          `json:"saga_id"`
	SagaType         string          `json:"saga_type"`
	AggregateID      string          `json:"aggregate_id"`
	Status           saga.SagaStatus `json:"status"`
	CurrentStepIndex int             `json:"current_step_index"`
	StartedAt        time.Time       `json:"started_at"`
}

// EventPublisher receives saga lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, event saga.Event) error
}

// EventPublisherFunc adapts a function to EventPublisher.
type EventPublisherFunc func(ctx context.Context, event saga.Event) error

func (f EventPublisherFunc) Publish(ctx context.Context, event saga.Event) error {
	return f(ctx, event)
}

// MetricsRecorder receives engine measurements. sagaType is the registered
// definition name.
type MetricsRecorder interface {
	SagaActive(sagaType string, delta float64)
	ObserveSaga(sagaType string, status saga.SagaStatus, duration time.Duration)
	ObserveStep(sagaType, step, outcome string)
	RecordSagaRecovery(outcome string)
	RecordSnapshotsCleaned(count int)
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) SagaActive(string, float64)                         {}
func (nopMetricsRecorder) ObserveSaga(string, saga.SagaStatus, time.Duration) {}
func (nopMetricsRecorder) ObserveStep(string, string, string)                 {}
func (nopMetricsRecorder) RecordSagaRecovery(string)                          {}
func (nopMetricsRecorder) RecordSnapshotsCleaned(int)                         {}
