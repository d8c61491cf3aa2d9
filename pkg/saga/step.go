package saga

import (
	"context"
	"fmt"
	"time"
)

// StepFunc is the forward or compensating action of a step.
// It may read and write the data map of the supplied context.
type StepFunc func(ctx context.Context, sc *SagaContext) error

// Step is one unit of forward work with its reverse action.
type Step struct {
	Name         string
	Action       StepFunc
	Compensation StepFunc
	Timeout      time.Duration
}

// StepOption customizes a step.
type StepOption func(*Step)

// WithStepTimeout bounds a single invocation of the step's action or compensation.
func WithStepTimeout(timeout time.Duration) StepOption {
	return func(s *Step) {
		s.Timeout = timeout
	}
}

// NewStep builds a step. A nil compensation means the step has nothing to undo.
func NewStep(name string, action, compensation StepFunc, opts ...StepOption) *Step {
	step := &Step{
		Name:         name,
		Action:       action,
		Compensation: compensation,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(step)
		}
	}
	return step
}

// Validate validates the step definition.
func (s *Step) Validate() error {
	if s == nil {
		return fmt.Errorf("step cannot be nil")
	}
	if s.Name == "" {
		return fmt.Errorf("step name cannot be empty")
	}
	if s.Action == nil {
		return fmt.Errorf("step %s action cannot be nil", s.Name)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("step %s timeout cannot be negative", s.Name)
	}
	return nil
}

func (s *Step) run(ctx context.Context, fn StepFunc, sc *SagaContext) error {
	if fn == nil {
		return nil
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	return fn(ctx, sc)
}

// StepState is the persisted progress of one step.
type StepState struct {
	Name        string `json:"name"`
	Executed    bool   `json:"executed"`
	Compensated bool   `json:"compensated"`
	Skipped     bool   `json:"skipped,omitempty"`
}
