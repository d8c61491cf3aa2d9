package engine

import (
	"time"

	"github.com/goclaw/sagaflow/pkg/errorhandler"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/saga"
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithRegistry sets the saga type registry used by recovery.
func WithRegistry(registry *saga.Registry) Option {
	return func(e *Engine) {
		if registry != nil {
			e.registry = registry
		}
	}
}

// WithErrorHandler puts an error handler in front of step execution.
func WithErrorHandler(h *errorhandler.Handler) Option {
	return func(e *Engine) {
		if h != nil {
			e.handler = h
		}
	}
}

// WithMetrics sets the metrics recorder for the engine.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(e *Engine) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithEventPublisher sets the sink for saga lifecycle events.
func WithEventPublisher(publisher EventPublisher) Option {
	return func(e *Engine) {
		if publisher != nil {
			e.events = publisher
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}
