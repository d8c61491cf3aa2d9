package errorhandler

import (
	"context"
	"errors"

	"github.com/goclaw/sagaflow/pkg/logger"
)

// Notifier delivers an escalation for errors that need an operator.
type Notifier interface {
	Notify(ctx context.Context, info ErrorInfo) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, info ErrorInfo) error

func (f NotifierFunc) Notify(ctx context.Context, info ErrorInfo) error { return f(ctx, info) }

// LogNotifier writes escalations to the logger at error level.
type LogNotifier struct {
	log logger.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(log logger.Logger) *LogNotifier {
	if log == nil {
		log = logger.Nop()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, info ErrorInfo) error {
	n.log.ErrorContext(ctx, "saga requires manual intervention",
		"saga_id", info.SagaID,
		"error_type", info.Type,
		"error", info.Message,
		"retry_count", info.RetryCount,
	)
	return nil
}

// multiNotifier fans out to every channel and joins their errors.
type multiNotifier []Notifier

func (m multiNotifier) Notify(ctx context.Context, info ErrorInfo) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, info); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
