// Package play defines the start/pause/resume/stop lifecycle shared by
// pipeline nodes, chains and receivers.
package play

import (
	"log/slog"
	"sync"

	"github.com/c360/jflux/metric"
)

// PlayState is the lifecycle state of a Playable
type PlayState int

const (
	// Stopped is the initial state and the state after Stop
	Stopped PlayState = iota
	// Running after a successful Start or Resume
	Running
	// Paused after a successful Pause
	Paused
	// Error after a failed transition
	Error
)

// String returns the string representation of PlayState
func (s PlayState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Playable is anything with a start/pause/resume/stop lifecycle. Each method
// reports whether the transition succeeded.
type Playable interface {
	Start() bool
	Pause() bool
	Resume() bool
	Stop() bool
	PlayState() PlayState
}

// Hooks are called while a Base transitions. A hook returning false fails the
// transition and moves the Base to Error. Nil hooks always succeed.
type Hooks struct {
	OnStart  func() bool
	OnPause  func() bool
	OnResume func() bool
	OnStop   func() bool
}

// Option configures a Base
type Option func(*Base)

// WithLogger sets the logger used for failed transitions
func WithLogger(logger *slog.Logger) Option {
	return func(b *Base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics publishes every state change to the play state gauge
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(b *Base) {
		b.metrics = registry.CoreMetrics()
	}
}

// Base implements Playable state transitions. Types embed it and supply Hooks.
//
//	Start:  Stopped|Error -> Running   (Running: no-op)
//	Pause:  Running -> Paused          (Paused: no-op)
//	Resume: Paused -> Running          (Running: no-op)
//	Stop:   any -> Stopped             (Stopped: no-op)
type Base struct {
	name    string
	hooks   Hooks
	logger  *slog.Logger
	metrics *metric.Metrics

	mu    sync.Mutex
	state PlayState
}

// NewBase creates a Base in the Stopped state
func NewBase(name string, hooks Hooks, opts ...Option) *Base {
	b := &Base{
		name:   name,
		hooks:  hooks,
		logger: slog.Default().With("component", "playable", "name", name),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics.RecordPlayState(name, int(Stopped))
	return b
}

// Name returns the name given at construction
func (b *Base) Name() string { return b.name }

// PlayState returns the current state
func (b *Base) PlayState() PlayState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsRunning reports whether the state is Running
func (b *Base) IsRunning() bool { return b.PlayState() == Running }

func (b *Base) transition(op string, from []PlayState, noop, to PlayState, hook func() bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == noop {
		return true
	}
	allowed := false
	for _, s := range from {
		if b.state == s {
			allowed = true
			break
		}
	}
	if !allowed {
		b.logger.Debug("transition not allowed", "op", op, "state", b.state.String())
		return false
	}

	if hook != nil && !hook() {
		b.logger.Warn("transition failed", "op", op, "state", b.state.String())
		b.setState(Error)
		return false
	}
	b.setState(to)
	return true
}

func (b *Base) setState(s PlayState) {
	b.state = s
	b.metrics.RecordPlayState(b.name, int(s))
}

// Start moves Stopped or Error to Running
func (b *Base) Start() bool {
	return b.transition("start", []PlayState{Stopped, Error}, Running, Running, b.hooks.OnStart)
}

// Pause moves Running to Paused
func (b *Base) Pause() bool {
	return b.transition("pause", []PlayState{Running}, Paused, Paused, b.hooks.OnPause)
}

// Resume moves Paused to Running
func (b *Base) Resume() bool {
	return b.transition("resume", []PlayState{Paused}, Running, Running, b.hooks.OnResume)
}

// Stop moves any state to Stopped
func (b *Base) Stop() bool {
	return b.transition("stop", []PlayState{Running, Paused, Error}, Stopped, Stopped, b.hooks.OnStop)
}
