package node

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/play"
)

// HeartbeatNode is a producer that emits supplier() on a schedule while
// running. Pausing suspends emission without stopping the scheduler.
type HeartbeatNode[T any] struct {
	*ProducerNode[T]
	schedule cron.Schedule
	spec     string
	supplier func() T
	metrics  *metric.Metrics

	mu   sync.Mutex
	cron *cron.Cron
}

// NewHeartbeatNode creates a heartbeat. schedule is either a Go duration
// ("5s") or any standard cron spec or descriptor ("@every 5s", "*/5 * * * *").
// Intervals below one second are rounded up by the scheduler.
func NewHeartbeatNode[T any](name, schedule string, supplier func() T, opts ...Option) (*HeartbeatNode[T], error) {
	if supplier == nil {
		return nil, errors.Invalidf("HeartbeatNode", "NewHeartbeatNode", "supplier is nil")
	}
	spec := schedule
	if d, err := time.ParseDuration(schedule); err == nil {
		if d <= 0 {
			return nil, errors.Invalidf("HeartbeatNode", "NewHeartbeatNode", "interval must be positive, got %s", d)
		}
		spec = "@every " + d.String()
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.Invalidf("HeartbeatNode", "NewHeartbeatNode", "invalid schedule %q: %v", schedule, err)
	}

	h := &HeartbeatNode[T]{
		schedule: sched,
		spec:     spec,
		supplier: supplier,
	}
	o := buildOptions("heartbeat-node", name, opts)
	h.metrics = o.metrics.CoreMetrics()
	h.ProducerNode = newProducerNode[T](name, play.Hooks{
		OnStart: h.startScheduler,
		OnStop:  h.stopScheduler,
	}, opts)
	return h, nil
}

// Spec returns the normalized cron spec
func (h *HeartbeatNode[T]) Spec() string { return h.spec }

func (h *HeartbeatNode[T]) startScheduler() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c := cron.New()
	c.Schedule(h.schedule, cron.FuncJob(func() { h.Beat() }))
	c.Start()
	h.cron = c
	h.logger.Debug("heartbeat scheduled", "spec", h.spec)
	return true
}

func (h *HeartbeatNode[T]) stopScheduler() bool {
	h.mu.Lock()
	c := h.cron
	h.cron = nil
	h.mu.Unlock()

	// Stop runs under the play lock; an in-flight Beat blocks on that lock
	// and then sees the node stopped, so the job is not waited for here.
	if c != nil {
		c.Stop()
	}
	return true
}

// Beat emits one heartbeat now. It is a no-op unless the node is running.
func (h *HeartbeatNode[T]) Beat() bool {
	if !h.IsRunning() {
		return false
	}
	if h.Emit(h.supplier()) {
		h.metrics.RecordHeartbeat(h.Name())
		return true
	}
	return false
}
