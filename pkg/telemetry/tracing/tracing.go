// Package tracing installs the process-wide OpenTelemetry tracer provider
// used by the engine, the compensation manager and the HTTP middleware.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/pkg/logger"
)

// ShutdownFunc flushes pending spans and releases the provider.
type ShutdownFunc func(ctx context.Context) error

// ExporterFactory builds the span exporter for an enabled configuration.
type ExporterFactory func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error)

type options struct {
	environment string
	instanceID  string
	log         logger.Logger
	exporter    ExporterFactory
}

// Option configures Init.
type Option func(*options)

// WithEnvironment adds deployment.environment to the resource.
func WithEnvironment(env string) Option {
	return func(o *options) { o.environment = env }
}

// WithInstanceID adds service.instance.id to the resource, typically the
// event bus node id so spans and lifecycle events name the same process.
func WithInstanceID(id string) Option {
	return func(o *options) { o.instanceID = id }
}

// WithLogger sets where exporter failures are reported.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithExporterFactory replaces the OTLP gRPC exporter.
func WithExporterFactory(f ExporterFactory) Option {
	return func(o *options) {
		if f != nil {
			o.exporter = f
		}
	}
}

// Init installs the global tracer provider and propagators. With tracing
// disabled a noop provider is installed and no exporter is created.
func Init(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string, opts ...Option) (ShutdownFunc, error) {
	o := options{log: logger.Nop(), exporter: otlpExporter}
	for _, opt := range opts {
		opt(&o)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}

	exp, err := o.exporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create tracing exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(serviceName, serviceVersion, o)...))
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&isolatingExporter{
			next:     exp,
			endpoint: normalizeEndpoint(cfg.Endpoint),
			log:      o.log,
		}),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(selectSampler(cfg)),
	)
	otel.SetTracerProvider(tp)

	return func(shutdownCtx context.Context) error {
		flushErr := tp.ForceFlush(shutdownCtx)
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return errors.Join(flushErr, fmt.Errorf("shutdown tracing provider: %w", err))
		}
		if flushErr != nil {
			return fmt.Errorf("flush tracing provider: %w", flushErr)
		}
		return nil
	}, nil
}

func checkConfig(cfg config.TracingConfig) error {
	switch {
	case strings.TrimSpace(cfg.Exporter) == "":
		return errors.New("tracing exporter cannot be empty")
	case normalizeEndpoint(cfg.Endpoint) == "":
		return errors.New("tracing endpoint cannot be empty")
	case cfg.Timeout <= 0:
		return errors.New("tracing timeout must be > 0")
	}
	return nil
}

func resourceAttributes(name, version string, o options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(version),
	}
	if o.environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentName(o.environment))
	}
	if o.instanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(o.instanceID))
	}
	return attrs
}

func otlpExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(normalizeEndpoint(cfg.Endpoint)),
		otlptracegrpc.WithTimeout(cfg.Timeout),
		otlptracegrpc.WithInsecure(),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// isolatingExporter keeps collector outages away from saga execution: export
// errors are logged and counted, never returned to the batch processor.
type isolatingExporter struct {
	next     sdktrace.SpanExporter
	endpoint string
	log      logger.Logger
	failures atomic.Int64
}

func (e *isolatingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := e.next.ExportSpans(ctx, spans); err != nil {
		n := e.failures.Add(1)
		e.log.Warn("tracing export failed",
			"error", err,
			"endpoint", e.endpoint,
			"span_count", len(spans),
			"failures", n,
		)
	}
	return nil
}

func (e *isolatingExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}

func selectSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(cfg.SampleRate)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}
}

// normalizeEndpoint strips a scheme, since the gRPC exporter wants host:port.
func normalizeEndpoint(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if !strings.Contains(raw, "://") {
		return raw
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}
