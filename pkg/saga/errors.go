package saga

import (
	"errors"
	"fmt"
)

var (
	// ErrSagaInterrupted is returned by ExecuteSteps when the saga left RUNNING
	// (cancelled or compensating) between two steps.
	ErrSagaInterrupted = errors.New("saga execution interrupted")
	// ErrUnknownSagaType is returned by the registry for unregistered types.
	ErrUnknownSagaType = errors.New("unknown saga type")
)

// StepError wraps a failure of a forward step.
type StepError struct {
	SagaID string
	Step   string
	Index  int
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga %s step %d (%s) failed: %v", e.SagaID, e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// CompensationError wraps a failure of a compensating action.
type CompensationError struct {
	SagaID string
	Step   string
	Index  int
	Err    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s compensation of step %d (%s) failed: %v", e.SagaID, e.Index, e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// InterruptedError reports the status that stopped forward execution.
type InterruptedError struct {
	SagaID string
	Status SagaStatus
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("saga %s execution interrupted: status %s", e.SagaID, e.Status)
}

func (e *InterruptedError) Is(target error) bool {
	return target == ErrSagaInterrupted
}

// LifecycleError is returned when a lifecycle method's precondition does not hold.
type LifecycleError struct {
	Op     string
	SagaID string
	Status SagaStatus
	Err    error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("cannot %s saga %s in status %s: %v", e.Op, e.SagaID, e.Status, e.Err)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}
