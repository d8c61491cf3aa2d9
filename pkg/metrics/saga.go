package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/goclaw/sagaflow/pkg/saga"
)

type sagaMetrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	active     *prometheus.GaugeVec
	steps      *prometheus.CounterVec
	recoveries *prometheus.CounterVec
	cleaned    prometheus.Counter
}

func newSagaMetrics(f promauto.Factory, buckets []float64) *sagaMetrics {
	return &sagaMetrics{
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_executions_total",
			Help: "Finished saga executions by saga type and final status.",
		}, []string{"saga_type", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_duration_seconds",
			Help:    "Wall time of saga executions by saga type and final status.",
			Buckets: buckets,
		}, []string{"saga_type", "status"}),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "saga_active",
			Help: "Sagas currently executing, by saga type.",
		}, []string{"saga_type"}),
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_steps_total",
			Help: "Step outcomes (completed, failed, skipped, compensated) by saga type and step.",
		}, []string{"saga_type", "step", "outcome"}),
		recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_recovery_total",
			Help: "Recovery attempts of failed sagas by outcome.",
		}, []string{"outcome"}),
		cleaned: f.NewCounter(prometheus.CounterOpts{
			Name: "saga_snapshots_cleaned_total",
			Help: "Terminal saga snapshots removed by the cleanup sweep.",
		}),
	}
}

// SagaActive moves the running-saga gauge of sagaType by delta.
func (m *Manager) SagaActive(sagaType string, delta float64) {
	if m.saga == nil {
		return
	}
	m.saga.active.WithLabelValues(sagaType).Add(delta)
}

// ObserveSaga records one finished execution.
func (m *Manager) ObserveSaga(sagaType string, status saga.SagaStatus, d time.Duration) {
	if m.saga == nil {
		return
	}
	m.saga.executions.WithLabelValues(sagaType, string(status)).Inc()
	m.saga.duration.WithLabelValues(sagaType, string(status)).Observe(d.Seconds())
}

// ObserveStep counts one step outcome.
func (m *Manager) ObserveStep(sagaType, step, outcome string) {
	if m.saga == nil {
		return
	}
	m.saga.steps.WithLabelValues(sagaType, step, outcome).Inc()
}

// RecordSagaRecovery counts one recovery attempt.
func (m *Manager) RecordSagaRecovery(outcome string) {
	if m.saga == nil {
		return
	}
	m.saga.recoveries.WithLabelValues(outcome).Inc()
}

// RecordSnapshotsCleaned adds removed snapshots to the cleanup counter.
func (m *Manager) RecordSnapshotsCleaned(count int) {
	if m.saga == nil || count <= 0 {
		return
	}
	m.saga.cleaned.Add(float64(count))
}
