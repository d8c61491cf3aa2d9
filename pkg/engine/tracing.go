package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// Span names emitted by the engine. Attempts nest under saga.execute.
const (
	spanSagaExecute  = "saga.execute"
	spanSagaAttempt  = "saga.execute.attempt"
	spanSagaRecover  = "saga.recover"
	spanRecoverSweep = "saga.recovery.sweep"
	spanCleanup      = "saga.cleanup"
)

// startSpan opens a span on the global provider, which is a no-op until
// tracing is initialized.
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("sagaflow.engine").Start(ctx, name, trace.WithAttributes(attrs...))
}

func sagaAttributes(s saga.Saga) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("saga.id", s.ID()),
		attribute.String("saga.type", s.Name()),
		attribute.String("saga.aggregate_id", s.AggregateID()),
	}
}

// failSpan marks span as failed with err recorded as an event.
func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
