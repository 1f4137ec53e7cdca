package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/jflux/metric"
)

type bufferMetrics struct {
	adds   prometheus.Counter
	drops  prometheus.Counter
	drains prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &bufferMetrics{
		adds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "jflux",
			Subsystem:   "buffer",
			Name:        "adds_total",
			ConstLabels: labels,
			Help:        "Total number of values added",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "jflux",
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Total number of values evicted by a full buffer",
		}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "jflux",
			Subsystem:   "buffer",
			Name:        "drains_total",
			ConstLabels: labels,
			Help:        "Total number of Values drains",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "jflux",
			Subsystem:   "buffer",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of retained values",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "jflux",
			Subsystem:   "buffer",
			Name:        "utilization",
			ConstLabels: labels,
			Help:        "Size divided by capacity (0.0 to 1.0)",
		}),
	}

	if err := registry.RegisterCounter(prefix, "buffer_adds", m.adds); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_drains", m.drains); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_utilization", m.utilization); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bufferMetrics) recordAdd(size, capacity int) {
	if m == nil {
		return
	}
	m.adds.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordDrop() {
	if m == nil {
		return
	}
	m.drops.Inc()
}

func (m *bufferMetrics) recordDrain(capacity int) {
	if m == nil {
		return
	}
	m.drains.Inc()
	m.updateSize(0, capacity)
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
