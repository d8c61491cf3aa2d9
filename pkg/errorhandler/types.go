// Package errorhandler classifies saga failures and applies the configured
// handling strategy: retry, skip, pause, cancel, compensate or escalate.
package errorhandler

import (
	"fmt"
	"time"
)

// ErrorType is the class of a saga failure.
type ErrorType string

const (
	ErrorTypeExecution    ErrorType = "EXECUTION_ERROR"
	ErrorTypeCompensation ErrorType = "COMPENSATION_ERROR"
	ErrorTypeTimeout      ErrorType = "TIMEOUT_ERROR"
	ErrorTypeNetwork      ErrorType = "NETWORK_ERROR"
	ErrorTypeData         ErrorType = "DATA_ERROR"
	ErrorTypeConfig       ErrorType = "CONFIG_ERROR"
	ErrorTypeSystem       ErrorType = "SYSTEM_ERROR"
	ErrorTypeUnknown      ErrorType = "UNKNOWN_ERROR"
)

// AllErrorTypes lists every error type.
func AllErrorTypes() []ErrorType {
	return []ErrorType{
		ErrorTypeExecution, ErrorTypeCompensation, ErrorTypeTimeout, ErrorTypeNetwork,
		ErrorTypeData, ErrorTypeConfig, ErrorTypeSystem, ErrorTypeUnknown,
	}
}

// Valid reports whether t is a known error type.
func (t ErrorType) Valid() bool {
	for _, known := range AllErrorTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Strategy is how a classified failure is handled.
type Strategy string

const (
	StrategyImmediateRetry     Strategy = "IMMEDIATE_RETRY"
	StrategyDelayedRetry       Strategy = "DELAYED_RETRY"
	StrategyExponentialBackoff Strategy = "EXPONENTIAL_BACKOFF_RETRY"
	StrategyCompensateAndRetry Strategy = "COMPENSATE_AND_RETRY"
	StrategySkipStep           Strategy = "SKIP_STEP"
	StrategyPauseSaga          Strategy = "PAUSE_SAGA"
	StrategyCancelSaga         Strategy = "CANCEL_SAGA"
	StrategyManualIntervention Strategy = "MANUAL_INTERVENTION"
)

// AllStrategies lists every strategy.
func AllStrategies() []Strategy {
	return []Strategy{
		StrategyImmediateRetry, StrategyDelayedRetry, StrategyExponentialBackoff, StrategyCompensateAndRetry,
		StrategySkipStep, StrategyPauseSaga, StrategyCancelSaga, StrategyManualIntervention,
	}
}

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	for _, known := range AllStrategies() {
		if s == known {
			return true
		}
	}
	return false
}

// IsRetry reports whether the strategy asks the caller to run the saga again.
func (s Strategy) IsRetry() bool {
	switch s {
	case StrategyImmediateRetry, StrategyDelayedRetry, StrategyExponentialBackoff:
		return true
	}
	return false
}

// DefaultStrategies returns the default error type to strategy table.
func DefaultStrategies() map[ErrorType]Strategy {
	return map[ErrorType]Strategy{
		ErrorTypeExecution:    StrategyDelayedRetry,
		ErrorTypeCompensation: StrategyManualIntervention,
		ErrorTypeTimeout:      StrategyExponentialBackoff,
		ErrorTypeNetwork:      StrategyExponentialBackoff,
		ErrorTypeData:         StrategyManualIntervention,
		ErrorTypeConfig:       StrategyManualIntervention,
		ErrorTypeSystem:       StrategyPauseSaga,
		ErrorTypeUnknown:      StrategyManualIntervention,
	}
}

// Recoverable reports whether the saga can continue without an operator.
func (s Strategy) Recoverable() bool {
	return s != StrategyManualIntervention && s != StrategyCancelSaga
}

// ErrorInfo is one handled error as kept in the per-saga history. StepIndex
// is -1 when the failing step is unknown.
type ErrorInfo struct {
	ID          string    `json:"id"`
	SagaID      string    `json:"saga_id"`
	SagaName    string    `json:"saga_name,omitempty"`
	AggregateID string    `json:"aggregate_id,omitempty"`
	StepIndex   int       `json:"step_index"`
	StepName    string    `json:"step_name,omitempty"`
	Type        ErrorType `json:"type"`
	Strategy    Strategy  `json:"strategy"`
	Message     string    `json:"message"`
	RetryCount  int       `json:"retry_count"`
	// Elapsed is the saga run time when the error was handled.
	Elapsed        time.Duration `json:"elapsed"`
	Recoverable    bool          `json:"recoverable"`
	Recovered      bool          `json:"recovered"`
	Suggestions    []string      `json:"suggestions,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Result is the uniform outcome of handling one error. Success means the
// strategy was applied; Recovered means the saga may continue automatically.
type Result struct {
	Success         bool          `json:"success"`
	Strategy        Strategy      `json:"strategy"`
	ErrorType       ErrorType     `json:"error_type"`
	Recovered       bool          `json:"recovered"`
	NextRetryAt     *time.Time    `json:"next_retry_at,omitempty"`
	ProcessingTime  time.Duration `json:"processing_time"`
	Error           string        `json:"error,omitempty"`
	SuggestedAction string        `json:"suggested_action,omitempty"`
	ErrorInfo       ErrorInfo     `json:"error_info"`
}

// RetryDelay returns how long to wait before the next retry, never negative.
func (r *Result) RetryDelay(now time.Time) time.Duration {
	if r == nil || r.NextRetryAt == nil {
		return 0
	}
	if d := r.NextRetryAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Statistics aggregates every handled error.
type Statistics struct {
	TotalErrors           int64               `json:"total_errors"`
	ByType                map[ErrorType]int64 `json:"by_type"`
	ByStrategy            map[Strategy]int64  `json:"by_strategy"`
	RecoveredCount        int64               `json:"recovered_count"`
	FailedRecoveryCount   int64               `json:"failed_recovery_count"`
	AverageProcessingTime time.Duration       `json:"average_processing_time"`
}

// MaxRetriesExceededError is reported when a retry strategy runs out of attempts.
type MaxRetriesExceededError struct {
	SagaID     string
	MaxRetries int
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("saga %s exceeded max retries (%d)", e.SagaID, e.MaxRetries)
}
