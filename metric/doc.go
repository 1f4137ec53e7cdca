// Package metric provides the Prometheus registry, the core JFlux metrics and
// the metrics HTTP server.
//
// NewMetricsRegistry registers the core metrics (registry activity, dependency
// binding, managed service state, play state, messaging and NATS status) plus
// the Go runtime collectors. Components register their own collectors through
// the MetricsRegistrar interface, keyed by owner and metric name so the same
// name can be used by different owners only when the Prometheus descriptors
// differ (for example by const labels).
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry, nil)
//	if err := server.Start(); err != nil {
//	    return err
//	}
//	defer server.Stop()
//
//	registry.CoreMetrics().RecordManagerState("camera-service", 2)
//
// The Record* helpers on Metrics accept a nil receiver, so packages take an
// optional *metric.MetricsRegistry and call registry.CoreMetrics().RecordX
// without nil checks.
package metric
