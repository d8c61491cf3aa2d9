package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type compensationMetrics struct {
	tasks    *prometheus.CounterVec
	duration prometheus.Histogram
	retries  prometheus.Counter
}

func newCompensationMetrics(f promauto.Factory, buckets []float64) *compensationMetrics {
	return &compensationMetrics{
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensation_tasks_total",
			Help: "Compensation task executions by resulting task status.",
		}, []string{"status"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "saga_compensation_duration_seconds",
			Help:    "Time spent running one compensation task.",
			Buckets: buckets,
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: "saga_compensation_retries_total",
			Help: "Compensation task retries scheduled after a failure.",
		}),
	}
}

// RecordCompensation counts a task reaching status.
func (m *Manager) RecordCompensation(status string) {
	if m.compensation != nil {
		m.compensation.tasks.WithLabelValues(status).Inc()
	}
}

// RecordCompensationDuration observes one task run.
func (m *Manager) RecordCompensationDuration(d time.Duration) {
	if m.compensation != nil {
		m.compensation.duration.Observe(d.Seconds())
	}
}

// RecordCompensationRetry counts one scheduled retry.
func (m *Manager) RecordCompensationRetry() {
	if m.compensation != nil {
		m.compensation.retries.Inc()
	}
}
