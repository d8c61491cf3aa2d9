package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type errorMetrics struct {
	handled  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newErrorMetrics(f promauto.Factory, buckets []float64) *errorMetrics {
	return &errorMetrics{
		handled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_errors_handled_total",
			Help: "Step errors handled, by classified type, chosen strategy and whether the saga recovered.",
		}, []string{"error_type", "strategy", "recovered"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_error_handling_duration_seconds",
			Help:    "Time spent applying an error handling strategy.",
			Buckets: buckets,
		}, []string{"strategy"}),
	}
}

// RecordErrorHandled records one handled step error.
func (m *Manager) RecordErrorHandled(errorType, strategy string, recovered bool, d time.Duration) {
	if m.errors == nil {
		return
	}
	m.errors.handled.WithLabelValues(errorType, strategy, strconv.FormatBool(recovered)).Inc()
	m.errors.duration.WithLabelValues(strategy).Observe(d.Seconds())
}
