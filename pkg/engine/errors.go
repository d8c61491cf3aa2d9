package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/goclaw/sagaflow/pkg/errorhandler"
)

var (
	// ErrConcurrencyLimitReached rejects admission beyond MaxConcurrentSagas.
	ErrConcurrencyLimitReached = errors.New("concurrency limit reached")
	// ErrSagaAlreadyRunning rejects a second execution of the same saga id.
	ErrSagaAlreadyRunning = errors.New("saga already running")
	// ErrSagaNotRunning is returned by control operations on untracked sagas.
	ErrSagaNotRunning = errors.New("no running saga found")
	// ErrSnapshotNotFound is returned by recovery when nothing was persisted.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrNotFailedStatus is returned when recovering a saga that did not fail.
	ErrNotFailedStatus = errors.New("not failed status")
	// ErrRecoveryExhausted is returned once a saga used all recovery attempts.
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
	// ErrCompensationStarted is returned when recovering a saga that failed
	// while compensating; it must be finished by compensation instead.
	ErrCompensationStarted = errors.New("saga failed during compensation")
	// ErrNoRegistry is returned by recovery without a saga registry.
	ErrNoRegistry = errors.New("no saga registry configured")
	// ErrEngineDestroyed is returned after Destroy.
	ErrEngineDestroyed = errors.New("engine destroyed")
	// ErrEngineStarted is returned by a second Start.
	ErrEngineStarted = errors.New("engine already started")
)

// TimeoutError is the failure of an execution that exceeded its timeout.
type TimeoutError struct {
	SagaID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("saga %s: saga execution timeout after %s", e.SagaID, e.Timeout)
}

// SagaErrorType classifies the error for the error handler.
func (e *TimeoutError) SagaErrorType() errorhandler.ErrorType {
	return errorhandler.ErrorTypeTimeout
}
