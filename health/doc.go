// Package health tracks the health of managed services and pipelines.
//
// # Health States
//
//   - Healthy: operating normally
//   - Degraded: serving with reduced functionality, e.g. a service waiting
//     for a mandatory dependency or a paused chain
//   - Unhealthy: not functioning
//
// # Core Components
//
// Status: health of one component with optional metrics and sub-statuses.
//
// Monitor: thread-safe set of statuses. Values are either pushed with Update
// or pulled from probes on Refresh.
//
// # Basic Usage
//
//	monitor := health.NewMonitor()
//	monitor.WatchService(plannerManager)
//	monitor.WatchPlayable("joint-chain", chain)
//	monitor.UpdateDegraded("directory", "etcd lease lost, re-registering")
//
//	server := metric.NewServer(9090, "/metrics", metricsRegistry, func() (bool, string) {
//		return monitor.Check("robot01")
//	})
//
// Check reports healthy unless some component is unhealthy, so degraded
// nodes keep passing liveness probes.
//
// # State Mapping
//
//	lifecycle.StateRegistered   healthy
//	lifecycle.StateSatisfied    healthy (registration disabled)
//	lifecycle.StateUnsatisfied  degraded
//	lifecycle.StateStopped      degraded
//	lifecycle.StateDisposed     unhealthy
//
//	play.Running                healthy
//	play.Paused, play.Stopped   degraded
//	play.Error                  unhealthy
//
// # Sanitization
//
// Errors passed to FromPlayState are stripped of URLs (including AMQP
// connection URLs with credentials), paths, addresses, ports and
// credential-looking pairs before they reach the /health endpoint.
package health
