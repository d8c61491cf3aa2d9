package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type busMetrics struct {
	published *prometheus.CounterVec
	retries   prometheus.Counter
	degraded  prometheus.Gauge
}

func newBusMetrics(f promauto.Factory) *busMetrics {
	return &busMetrics{
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_events_published_total",
			Help: "Lifecycle event publish attempts by event type and result.",
		}, []string{"event_type", "status"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: "saga_event_publish_retries_total",
			Help: "Lifecycle event publish retries.",
		}),
		degraded: f.NewGauge(prometheus.GaugeOpts{
			Name: "saga_event_bus_degraded",
			Help: "1 while the publisher runs without retries after repeated failures.",
		}),
	}
}

// RecordEventPublished counts one publish attempt.
func (m *Manager) RecordEventPublished(eventType, status string) {
	if m.bus != nil {
		m.bus.published.WithLabelValues(eventType, status).Inc()
	}
}

// RecordEventPublishRetry counts one publish retry.
func (m *Manager) RecordEventPublishRetry() {
	if m.bus != nil {
		m.bus.retries.Inc()
	}
}

// SetEventBusDegraded flips the degraded gauge.
func (m *Manager) SetEventBusDegraded(degraded bool) {
	if m.bus == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	m.bus.degraded.Set(v)
}
