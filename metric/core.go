package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jflux"

// Metrics contains the framework-level metrics shared by every JFlux
// component. All Record* methods are safe on a nil *Metrics so components can
// run without a registry.
type Metrics struct {
	// Registry
	RegistryRegistrations *prometheus.GaugeVec
	RegistryEvents        *prometheus.CounterVec

	// Dependency binding and managed services
	DependencyEvents *prometheus.CounterVec
	ManagerState     *prometheus.GaugeVec

	// Pipelines
	PlayState  *prometheus.GaugeVec
	Heartbeats *prometheus.CounterVec

	// Messaging
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	CodecErrors      *prometheus.CounterVec

	// NATS
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance. Collectors are not registered;
// NewMetricsRegistry does that.
func NewMetrics() *Metrics {
	return &Metrics{
		RegistryRegistrations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations",
			Help:      "Number of live registrations",
		}, []string{"registry"}),

		RegistryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "events_total",
			Help:      "Registry events dispatched to listeners",
		}, []string{"registry", "type"}),

		DependencyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "events_total",
			Help:      "Dependency tracker events (candidate, bound, removed)",
		}, []string{"dependency", "event"}),

		ManagerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "state",
			Help:      "Service manager state (0=stopped, 1=unsatisfied, 2=satisfied, 3=registered, 4=disposed)",
		}, []string{"service"}),

		PlayState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "play_state",
			Help:      "Playable state (0=stopped, 1=running, 2=paused, 3=error)",
		}, []string{"node"}),

		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "heartbeats_total",
			Help:      "Heartbeats emitted",
		}, []string{"node"}),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "sent_total",
			Help:      "Messages sent",
		}, []string{"subject", "content_type"}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Messages received",
		}, []string{"subject", "content_type"}),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "dropped_total",
			Help:      "Messages dropped",
		}, []string{"subject", "reason"}),

		CodecErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "avro",
			Name:      "errors_total",
			Help:      "Avro encode/decode failures",
		}, []string{"schema", "operation"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),

		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "circuit_breaker",
			Help:      "NATS circuit breaker status (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RegistryRegistrations,
		m.RegistryEvents,
		m.DependencyEvents,
		m.ManagerState,
		m.PlayState,
		m.Heartbeats,
		m.MessagesSent,
		m.MessagesReceived,
		m.MessagesDropped,
		m.CodecErrors,
		m.NATSConnected,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	}
}

// SetRegistrations records the live registration count of a registry
func (m *Metrics) SetRegistrations(registry string, n int) {
	if m == nil {
		return
	}
	m.RegistryRegistrations.WithLabelValues(registry).Set(float64(n))
}

// RecordRegistryEvent counts a dispatched registry event
func (m *Metrics) RecordRegistryEvent(registry, eventType string) {
	if m == nil {
		return
	}
	m.RegistryEvents.WithLabelValues(registry, eventType).Inc()
}

// RecordDependencyEvent counts a tracker event for a named dependency
func (m *Metrics) RecordDependencyEvent(dependency, event string) {
	if m == nil {
		return
	}
	m.DependencyEvents.WithLabelValues(dependency, event).Inc()
}

// RecordManagerState sets the state gauge of a managed service
func (m *Metrics) RecordManagerState(service string, state int) {
	if m == nil {
		return
	}
	m.ManagerState.WithLabelValues(service).Set(float64(state))
}

// RecordPlayState sets the play state gauge of a node or chain
func (m *Metrics) RecordPlayState(node string, state int) {
	if m == nil {
		return
	}
	m.PlayState.WithLabelValues(node).Set(float64(state))
}

// RecordHeartbeat counts an emitted heartbeat
func (m *Metrics) RecordHeartbeat(node string) {
	if m == nil {
		return
	}
	m.Heartbeats.WithLabelValues(node).Inc()
}

// RecordMessageSent counts a sent message
func (m *Metrics) RecordMessageSent(subject, contentType string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(subject, contentType).Inc()
}

// RecordMessageReceived counts a received message
func (m *Metrics) RecordMessageReceived(subject, contentType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(subject, contentType).Inc()
}

// RecordMessageDropped counts a dropped message with the reason
func (m *Metrics) RecordMessageDropped(subject, reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(subject, reason).Inc()
}

// RecordCodecError counts an Avro failure
func (m *Metrics) RecordCodecError(schema, operation string) {
	if m == nil {
		return
	}
	m.CodecErrors.WithLabelValues(schema, operation).Inc()
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (m *Metrics) RecordCircuitBreakerState(open bool) {
	if m == nil {
		return
	}
	value := 0.0
	if open {
		value = 1.0
	}
	m.NATSCircuitBreaker.Set(value)
}
