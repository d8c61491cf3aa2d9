package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

func newHTTPMetrics(f promauto.Factory, buckets []float64) *httpMetrics {
	return &httpMetrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "API requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "API request latency by method and route pattern.",
			Buckets: buckets,
		}, []string{"method", "route"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "API requests currently being served.",
		}),
	}
}

// RecordHTTPRequest records an API request. route is the matched chi pattern,
// never the raw path.
func (m *Manager) RecordHTTPRequest(method, route, status string, d time.Duration) {
	m.RecordHTTPRequestWithContext(context.Background(), method, route, status, d)
}

// RecordHTTPRequestWithContext records an API request and, when ctx carries a
// sampled span, links the trace as an exemplar.
func (m *Manager) RecordHTTPRequestWithContext(ctx context.Context, method, route, status string, d time.Duration) {
	if m.http == nil {
		return
	}
	counter := m.http.requests.WithLabelValues(method, route, status)
	observer := m.http.duration.WithLabelValues(method, route)

	exemplar, ok := traceExemplarLabels(ctx)
	if !ok {
		counter.Inc()
		observer.Observe(d.Seconds())
		return
	}
	// the vec types always return exemplar-capable collectors
	counter.(prometheus.ExemplarAdder).AddWithExemplar(1, exemplar)
	observer.(prometheus.ExemplarObserver).ObserveWithExemplar(d.Seconds(), exemplar)
}

// IncActiveConnections marks an API request as started.
func (m *Manager) IncActiveConnections() {
	if m.http != nil {
		m.http.inFlight.Inc()
	}
}

// DecActiveConnections marks an API request as finished.
func (m *Manager) DecActiveConnections() {
	if m.http != nil {
		m.http.inFlight.Dec()
	}
}

func traceExemplarLabels(ctx context.Context) (prometheus.Labels, bool) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil, false
	}
	return prometheus.Labels{
		"trace_id": sc.TraceID().String(),
		"span_id":  sc.SpanID().String(),
	}, true
}
