package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"sync"

	"github.com/c360/jflux/dependency"
	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/registry"
)

// State is the ServiceManager state
type State int

const (
	StateStopped State = iota
	StateUnsatisfied
	StateSatisfied
	StateRegistered
	StateDisposed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateUnsatisfied:
		return "unsatisfied"
	case StateSatisfied:
		return "satisfied"
	case StateRegistered:
		return "registered"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// PropManagedService is set on a manager's own registration
const PropManagedService = "jflux.managed"

// Option configures a ServiceManager
type Option func(*options)

type options struct {
	name         string
	logger       *slog.Logger
	metrics      *metric.MetricsRegistry
	props        map[string]any
	registration bool
}

// WithName names the manager in logs, metrics and its own registration
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records the manager state and tracker events
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.metrics = registry }
}

// WithProperties sets properties passed to the service RegistrationStrategy
func WithProperties(props map[string]any) Option {
	return func(o *options) { o.props = maps.Clone(props) }
}

// WithRegistrationDisabled starts with registration disabled; call Register
// to enable it.
func WithRegistrationDisabled() Option {
	return func(o *options) { o.registration = false }
}

// ServiceManager runs the lifecycle of one service of type T.
//
// Every operation that reaches the lifecycle or a registration strategy
// runs on a serial queue drained by whichever goroutine submitted work
// first. mu only guards fields and the queue; it is never held while
// calling out, so registry events raised by this manager's own
// registration may re-enter it. Start, Stop, Register and Unregister must
// not be called from the manager's own lifecycle callbacks.
type ServiceManager[T any] struct {
	name            string
	lifecycle       ServiceLifecycle[T]
	bindings        map[string]*dependency.ServiceBinding
	order           []string
	serviceStrategy RegistrationStrategy[T]
	managerStrategy RegistrationStrategy[ManagedService]
	props           map[string]any
	logger          *slog.Logger
	metricsRegistry *metric.MetricsRegistry
	metrics         *metric.Metrics

	mu      sync.Mutex
	ops     []pendingOp
	running bool

	// written under mu by the queue runner only
	state               State
	trackers            map[string]*dependency.DependencyTracker
	deps                map[string]any
	service             T
	hasService          bool
	registrationEnabled bool
}

type pendingOp struct {
	fn   func()
	done chan struct{}
}

var _ ManagedService = (*ServiceManager[any])(nil)

// NewServiceManager validates that every declared dependency has a binding.
// Nil strategies default to NoopRegistrationStrategy.
func NewServiceManager[T any](
	lifecycle ServiceLifecycle[T],
	bindings map[string]*dependency.ServiceBinding,
	serviceStrategy RegistrationStrategy[T],
	managerStrategy RegistrationStrategy[ManagedService],
	opts ...Option,
) (*ServiceManager[T], error) {
	if lifecycle == nil {
		return nil, errors.Invalidf("ServiceManager", "New", "lifecycle is nil")
	}
	o := options{registration: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		if classes := lifecycle.ClassNames(); len(classes) > 0 {
			o.name = classes[0]
		} else {
			o.name = fmt.Sprintf("%T", lifecycle)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "lifecycle", "service", o.name)
	}

	deps := lifecycle.Dependencies()
	order := make([]string, 0, len(deps))
	for _, dep := range deps {
		b, ok := bindings[dep.Name()]
		if !ok || b == nil {
			return nil, errors.Invalidf("ServiceManager", "New", "no binding for dependency %s", dep.Name())
		}
		if b.Dependency().Name() != dep.Name() {
			return nil, errors.Invalidf("ServiceManager", "New", "binding %s bound to dependency %s",
				dep.Name(), b.Dependency().Name())
		}
		order = append(order, dep.Name())
	}
	if len(bindings) != len(order) {
		return nil, errors.Invalidf("ServiceManager", "New", "%d bindings for %d dependencies",
			len(bindings), len(order))
	}

	if serviceStrategy == nil {
		serviceStrategy = &NoopRegistrationStrategy[T]{}
	}
	if managerStrategy == nil {
		managerStrategy = &NoopRegistrationStrategy[ManagedService]{}
	}
	return &ServiceManager[T]{
		name:                o.name,
		lifecycle:           lifecycle,
		bindings:            maps.Clone(bindings),
		order:               order,
		serviceStrategy:     serviceStrategy,
		managerStrategy:     managerStrategy,
		props:               o.props,
		logger:              o.logger,
		metricsRegistry:     o.metrics,
		metrics:             o.metrics.CoreMetrics(),
		deps:                make(map[string]any),
		registrationEnabled: o.registration,
	}, nil
}

// Name returns the manager name
func (m *ServiceManager[T]) Name() string { return m.name }

// submit queues fn behind every operation already queued. When no goroutine
// is draining the queue the caller drains it, fn included, before returning.
// Otherwise submit returns at once, or with wait after fn has run.
func (m *ServiceManager[T]) submit(fn func(), wait bool) {
	op := pendingOp{fn: fn}
	if wait {
		op.done = make(chan struct{})
	}
	m.mu.Lock()
	m.ops = append(m.ops, op)
	if m.running {
		m.mu.Unlock()
		if op.done != nil {
			<-op.done
		}
		return
	}
	m.running = true
	for len(m.ops) > 0 {
		next := m.ops[0]
		m.ops = m.ops[1:]
		m.mu.Unlock()
		m.runOp(next)
		m.mu.Lock()
	}
	m.running = false
	m.mu.Unlock()
}

func (m *ServiceManager[T]) runOp(op pendingOp) {
	if op.done != nil {
		defer close(op.done)
	}
	op.fn()
}

// State returns the current state
func (m *ServiceManager[T]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ServiceManager[T]) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == s {
		return
	}
	m.logger.Debug("service state changed", "from", m.state.String(), "to", s.String())
	m.state = s
	m.metrics.RecordManagerState(m.name, int(s))
}

func (m *ServiceManager[T]) setService(svc T, ok bool) {
	m.mu.Lock()
	m.service, m.hasService = svc, ok
	m.mu.Unlock()
}

// Service returns the live service instance
func (m *ServiceManager[T]) Service() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.service, m.hasService
}

// Dependencies returns a copy of the current dependency values
func (m *ServiceManager[T]) Dependencies() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.deps)
}

// Start tracks every binding in reg. The service is created and registered
// once all mandatory dependencies are bound, possibly before Start returns.
func (m *ServiceManager[T]) Start(ctx context.Context, reg registry.Registry) error {
	if reg == nil {
		return errors.Invalidf("ServiceManager", "Start", "registry is nil")
	}
	var err error
	m.submit(func() { err = m.start(ctx, reg) }, true)
	return err
}

func (m *ServiceManager[T]) start(ctx context.Context, reg registry.Registry) error {
	switch m.state {
	case StateDisposed:
		return errors.WrapFatal(errors.ErrDisposed, "ServiceManager", "Start", "start "+m.name)
	case StateStopped:
	default:
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "ServiceManager", "Start", "start "+m.name)
	}

	trackers := make(map[string]*dependency.DependencyTracker, len(m.order))
	for _, name := range m.order {
		refresh := func(registry.Reference, any) {
			m.submit(func() { m.refresh(context.Background(), name) }, false)
		}
		opts := []dependency.Option{dependency.WithLogger(m.logger.With("dependency", name))}
		if m.metricsRegistry != nil {
			opts = append(opts, dependency.WithMetrics(m.metricsRegistry))
		}
		tr, err := dependency.NewDependencyTracker(reg, m.bindings[name],
			dependency.Callbacks{OnBound: refresh, OnRemoved: refresh}, opts...)
		if err != nil {
			return err
		}
		trackers[name] = tr
	}
	m.mu.Lock()
	m.trackers = trackers
	m.mu.Unlock()
	m.setState(StateUnsatisfied)
	if err := m.managerStrategy.Register(ctx, m, map[string]any{PropManagedService: m.name}); err != nil {
		m.logger.Warn("manager registration failed", "error", err)
	}

	// tracker callbacks queue behind this operation
	for _, name := range m.order {
		if err := trackers[name].Start(ctx); err != nil {
			m.logger.Warn("dependency tracker did not start", "dependency", name, "error", err)
		}
	}
	m.mu.Lock()
	for _, name := range m.order {
		if v := trackers[name].DependencyValue(); v != nil {
			m.deps[name] = v
		}
	}
	m.mu.Unlock()
	m.evaluate(ctx)
	m.logger.Info("service manager started", "state", m.State().String())
	return nil
}

// refresh pulls the current value of a dependency from its tracker. Runs on
// the queue.
func (m *ServiceManager[T]) refresh(ctx context.Context, name string) {
	tr, ok := m.trackers[name]
	if !ok || m.state == StateStopped || m.state == StateDisposed {
		return
	}
	newValue := tr.DependencyValue()
	oldValue := m.deps[name]
	if sameValue(oldValue, newValue) {
		return
	}
	m.mu.Lock()
	if newValue == nil {
		delete(m.deps, name)
	} else {
		m.deps[name] = newValue
	}
	m.mu.Unlock()

	if !m.hasService {
		m.evaluate(ctx)
		return
	}
	if newValue == nil && m.bindings[name].Dependency().IsMandatory() {
		m.logger.Info("mandatory dependency lost", "dependency", name)
		m.teardown(ctx)
		m.setState(StateUnsatisfied)
		return
	}

	svc, err := m.lifecycle.HandleDependencyChange(m.service, name, oldValue, newValue, maps.Clone(m.deps))
	if err != nil {
		m.logger.Error("dependency change failed, recreating service", "dependency", name, "error", err)
		m.teardown(ctx)
		m.setState(StateUnsatisfied)
		m.evaluate(ctx)
		return
	}
	if !sameValue(any(svc), any(m.service)) {
		wasRegistered := m.serviceStrategy.IsRegistered()
		m.unregisterService(ctx)
		m.setService(svc, true)
		if wasRegistered {
			m.registerService(ctx)
		}
	}
}

func (m *ServiceManager[T]) satisfied() bool {
	for _, name := range m.order {
		if m.bindings[name].Dependency().IsMandatory() && m.deps[name] == nil {
			return false
		}
	}
	return true
}

// evaluate creates and registers the service when satisfied. Runs on the
// queue.
func (m *ServiceManager[T]) evaluate(ctx context.Context) {
	if m.hasService {
		return
	}
	if !m.satisfied() {
		m.setState(StateUnsatisfied)
		return
	}
	svc, err := m.lifecycle.CreateService(maps.Clone(m.deps))
	if err != nil {
		m.logger.Error("create service failed", "error", err)
		m.setState(StateUnsatisfied)
		return
	}
	m.setService(svc, true)
	m.setState(StateSatisfied)
	m.logger.Info("service created", "dependencies", len(m.deps))
	if m.registrationEnabled {
		m.registerService(ctx)
	}
}

func (m *ServiceManager[T]) registerService(ctx context.Context) {
	if !m.hasService || m.serviceStrategy.IsRegistered() {
		return
	}
	if err := m.serviceStrategy.Register(ctx, m.service, maps.Clone(m.props)); err != nil {
		m.logger.Error("register service failed", "error", err)
		return
	}
	m.setState(StateRegistered)
}

func (m *ServiceManager[T]) unregisterService(ctx context.Context) {
	if !m.serviceStrategy.IsRegistered() {
		return
	}
	if err := m.serviceStrategy.Unregister(ctx); err != nil {
		m.logger.Warn("unregister service failed", "error", err)
	}
	if m.hasService {
		m.setState(StateSatisfied)
	}
}

// teardown unregisters and disposes the live service. Runs on the queue.
func (m *ServiceManager[T]) teardown(ctx context.Context) {
	if !m.hasService {
		return
	}
	m.unregisterService(ctx)
	m.lifecycle.DisposeService(m.service, maps.Clone(m.deps))
	var zero T
	m.setService(zero, false)
	m.logger.Info("service disposed")
}

// Stop stops tracking, unregisters and disposes the service
func (m *ServiceManager[T]) Stop(ctx context.Context) error {
	var err error
	m.submit(func() { err = m.stop(ctx) }, true)
	return err
}

func (m *ServiceManager[T]) stop(ctx context.Context) error {
	if m.state == StateStopped || m.state == StateDisposed {
		return nil
	}
	trackers := m.trackers
	m.mu.Lock()
	m.trackers = nil
	m.mu.Unlock()
	for _, name := range m.order {
		if tr := trackers[name]; tr != nil {
			tr.Stop()
		}
	}
	m.teardown(ctx)
	m.mu.Lock()
	m.deps = make(map[string]any)
	m.mu.Unlock()

	var err error
	if uerr := m.managerStrategy.Unregister(ctx); uerr != nil {
		err = errors.Wrap(uerr, "ServiceManager", "Stop", "unregister manager")
	}
	m.setState(StateStopped)
	m.logger.Info("service manager stopped")
	return err
}

// Dispose stops the manager for good
func (m *ServiceManager[T]) Dispose(ctx context.Context) error {
	var err error
	m.submit(func() {
		err = m.stop(ctx)
		m.setState(StateDisposed)
	}, true)
	return err
}

// IsSatisfied reports whether every mandatory dependency has a value
func (m *ServiceManager[T]) IsSatisfied() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.satisfied()
}

// IsAvailable reports whether the service instance is live
func (m *ServiceManager[T]) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasService
}

// IsRegistered reports whether the service is registered
func (m *ServiceManager[T]) IsRegistered() bool {
	return m.serviceStrategy.IsRegistered()
}

// Register enables registration and registers the live service
func (m *ServiceManager[T]) Register(ctx context.Context) error {
	var err error
	m.submit(func() {
		if m.state == StateDisposed {
			err = errors.WrapFatal(errors.ErrDisposed, "ServiceManager", "Register", "register "+m.name)
			return
		}
		m.mu.Lock()
		m.registrationEnabled = true
		m.mu.Unlock()
		m.registerService(ctx)
	}, true)
	return err
}

// Unregister disables registration and unregisters the live service
func (m *ServiceManager[T]) Unregister(ctx context.Context) error {
	var err error
	m.submit(func() {
		if m.state == StateDisposed {
			err = errors.WrapFatal(errors.ErrDisposed, "ServiceManager", "Unregister", "unregister "+m.name)
			return
		}
		m.mu.Lock()
		m.registrationEnabled = false
		m.mu.Unlock()
		m.unregisterService(ctx)
	}, true)
	return err
}

// sameValue compares by identity where the values allow it
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	as, aok := a.([]any)
	bs, bok := b.([]any)
	if aok || bok {
		if !aok || !bok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !sameValue(as[i], bs[i]) {
				return false
			}
		}
		return true
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
