package compensation

import (
	"errors"
	"fmt"
	"time"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// Strategy decides when compensation tasks run.
type Strategy string

const (
	// StrategyImmediate runs the task synchronously when it is created.
	StrategyImmediate Strategy = "IMMEDIATE"
	// StrategyDelayed schedules the task after Config.Delay for the sweep.
	StrategyDelayed Strategy = "DELAYED"
	// StrategyBatch is picked up by the sweep, a bounded batch per tick.
	StrategyBatch Strategy = "BATCH"
	// StrategyManual never runs tasks automatically.
	StrategyManual Strategy = "MANUAL"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyImmediate, StrategyDelayed, StrategyBatch, StrategyManual:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a compensation task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskRetrying  TaskStatus = "RETRYING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the task will never run again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

func (s TaskStatus) schedulable() bool {
	return s == TaskPending || s == TaskRetrying
}

// Task is a request to compensate one saga.
type Task struct {
	ID          string     `json:"id"`
	SagaID      string     `json:"saga_id"`
	AggregateID string     `json:"aggregate_id"`
	Reason      string     `json:"reason"`
	Priority    int        `json:"priority"`
	Status      TaskStatus `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	LastError   string     `json:"last_error,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	return &c
}

// ExecutionResult is the outcome of one task execution.
type ExecutionResult struct {
	TaskID           string        `json:"task_id"`
	SagaID           string        `json:"saga_id"`
	Success          bool          `json:"success"`
	Status           TaskStatus    `json:"status"`
	CompensatedSteps int           `json:"compensated_steps"`
	RetryCount       int           `json:"retry_count"`
	NextAttemptAt    *time.Time    `json:"next_attempt_at,omitempty"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
}

// Statistics summarizes the tasks held by the manager.
type Statistics struct {
	Total                int           `json:"total"`
	Pending              int           `json:"pending"`
	Running              int           `json:"running"`
	Retrying             int           `json:"retrying"`
	Completed            int           `json:"completed"`
	Failed               int           `json:"failed"`
	Cancelled            int           `json:"cancelled"`
	Executions           int64         `json:"executions"`
	SuccessRate          float64       `json:"success_rate"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
}

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("compensation task not found")
	// ErrManagerRunning is returned by Start when the sweep already runs.
	ErrManagerRunning = errors.New("compensation manager already running")
)

// TaskStateError is returned when an operation does not apply to the task's status.
type TaskStateError struct {
	TaskID string
	Op     string
	Status TaskStatus
}

func (e *TaskStateError) Error() string {
	return fmt.Sprintf("cannot %s compensation task %s in status %s", e.Op, e.TaskID, e.Status)
}

// SagaStateError is returned when the saga is not in a state compensation can
// start from. Held is set when the engine still owns the saga.
type SagaStateError struct {
	SagaID string
	Status saga.SagaStatus
	Held   bool
}

func (e *SagaStateError) Error() string {
	if e.Held {
		return fmt.Sprintf("saga %s is still executing", e.SagaID)
	}
	return fmt.Sprintf("cannot compensate saga %s in status %s", e.SagaID, e.Status)
}
