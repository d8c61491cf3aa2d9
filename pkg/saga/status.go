package saga

import "fmt"

// SagaStatus is the lifecycle status of a saga instance.
type SagaStatus string

const (
	StatusPending      SagaStatus = "PENDING"
	StatusRunning      SagaStatus = "RUNNING"
	StatusCompleted    SagaStatus = "COMPLETED"
	StatusFailed       SagaStatus = "FAILED"
	StatusPaused       SagaStatus = "PAUSED"
	StatusCancelled    SagaStatus = "CANCELLED"
	StatusCompensating SagaStatus = "COMPENSATING"
	StatusCompensated  SagaStatus = "COMPENSATED"
)

var validTransitions = map[SagaStatus]map[SagaStatus]struct{}{
	StatusPending: {
		StatusRunning: {},
	},
	StatusRunning: {
		StatusCompleted:    {},
		StatusFailed:       {},
		StatusPaused:       {},
		StatusCancelled:    {},
		StatusCompensating: {},
	},
	StatusPaused: {
		StatusRunning: {},
		StatusFailed:  {},
	},
	StatusFailed: {
		StatusRunning:      {},
		StatusCompensating: {},
	},
	StatusCompensating: {
		StatusCompensated: {},
		StatusFailed:      {},
	},
}

// AllStatuses lists every known status.
func AllStatuses() []SagaStatus {
	return []SagaStatus{
		StatusPending, StatusRunning, StatusCompleted, StatusFailed,
		StatusPaused, StatusCancelled, StatusCompensating, StatusCompensated,
	}
}

// TerminalStatuses lists the statuses a saga never leaves.
func TerminalStatuses() []SagaStatus {
	return []SagaStatus{StatusCompleted, StatusCompensated, StatusCancelled}
}

// String returns the status name.
func (s SagaStatus) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s SagaStatus) Valid() bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is terminal.
func (s SagaStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether a status transition is valid.
func (s SagaStatus) CanTransitionTo(next SagaStatus) bool {
	targets, ok := validTransitions[s]
	if !ok {
		return false
	}
	_, ok = targets[next]
	return ok
}

// ValidateTransition validates a status transition.
func ValidateTransition(from, to SagaStatus) error {
	if !from.CanTransitionTo(to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// InvalidTransitionError is returned when a lifecycle method is called in the wrong status.
type InvalidTransitionError struct {
	From SagaStatus
	To   SagaStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid saga status transition: %s -> %s", e.From, e.To)
}
