// Package metrics exposes sagaflow's Prometheus instrumentation. A Manager
// built with metrics disabled accepts every call and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Path    string

	SagaDurationBuckets         []float64
	CompensationDurationBuckets []float64
	ErrorHandlingBuckets        []float64
	HTTPDurationBuckets         []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                     true,
		Path:                        "/metrics",
		SagaDurationBuckets:         []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		CompensationDurationBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		ErrorHandlingBuckets:        []float64{0.0001, 0.001, 0.01, 0.1, 1, 5, 30},
		HTTPDurationBuckets:         prometheus.DefBuckets,
	}
}

// Manager owns a private registry and every sagaflow metric family. It
// implements the recorder interfaces of the engine, the compensation manager,
// the error handler, the event bus and the HTTP middleware.
type Manager struct {
	registry *prometheus.Registry

	saga         *sagaMetrics
	compensation *compensationMetrics
	errors       *errorMetrics
	bus          *busMetrics
	http         *httpMetrics
}

// NewManager registers the metric families on a fresh registry, alongside
// the Go runtime and process collectors.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{}
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Manager{
		registry:     reg,
		saga:         newSagaMetrics(f, cfg.SagaDurationBuckets),
		compensation: newCompensationMetrics(f, cfg.CompensationDurationBuckets),
		errors:       newErrorMetrics(f, cfg.ErrorHandlingBuckets),
		bus:          newBusMetrics(f),
		http:         newHTTPMetrics(f, cfg.HTTPDurationBuckets),
	}
}

// Enabled reports whether observations are recorded.
func (m *Manager) Enabled() bool {
	return m.registry != nil
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text or OpenMetrics format.
// A disabled manager answers 404.
func (m *Manager) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          m.registry,
	})
}
