package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/c360/jflux/dependency"
	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/notify"
	"github.com/c360/jflux/registry"
)

// mockRegistry is a registry.Registry backed by testify/mock
type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) FindSingle(ctx context.Context, d registry.Descriptor) (registry.Reference, bool) {
	args := m.Called(ctx, d)
	return args.Get(0).(registry.Reference), args.Bool(1)
}

func (m *mockRegistry) FindAll(ctx context.Context, d registry.Descriptor) ([]registry.Reference, error) {
	args := m.Called(ctx, d)
	return args.Get(0).([]registry.Reference), args.Error(1)
}

func (m *mockRegistry) Service(ctx context.Context, ref registry.Reference) (any, bool) {
	args := m.Called(ctx, ref)
	return args.Get(0), args.Bool(1)
}

func (m *mockRegistry) Release(ref registry.Reference) { m.Called(ref) }

func (m *mockRegistry) Register(ctx context.Context, req registry.RegistrationRequest) (registry.Certificate, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(registry.Certificate), args.Error(1)
}

func (m *mockRegistry) Unregister(ctx context.Context, cert registry.Certificate) error {
	return m.Called(ctx, cert).Error(0)
}

func (m *mockRegistry) Modify(ctx context.Context, cert registry.Certificate, mod registry.Modification) error {
	return m.Called(ctx, cert, mod).Error(0)
}

func (m *mockRegistry) AddListener(d registry.Descriptor, l notify.Listener[registry.RegistryEvent]) (registry.ListenerHandle, error) {
	args := m.Called(d, l)
	return args.Get(0).(registry.ListenerHandle), args.Error(1)
}

func (m *mockRegistry) RemoveListener(h registry.ListenerHandle) { m.Called(h) }

// mockStrategy mocks Register/Unregister and tracks the registered flag
type mockStrategy struct {
	mock.Mock
	mu         sync.Mutex
	registered bool
}

func (s *mockStrategy) Register(ctx context.Context, svc string, props map[string]any) error {
	err := s.Called(ctx, svc, props).Error(0)
	if err == nil {
		s.mu.Lock()
		s.registered = true
		s.mu.Unlock()
	}
	return err
}

func (s *mockStrategy) Unregister(ctx context.Context) error {
	err := s.Called(ctx).Error(0)
	s.mu.Lock()
	s.registered = false
	s.mu.Unlock()
	return err
}

func (s *mockStrategy) IsRegistered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func serviceDep(t *testing.T, name, class string, typ dependency.DependencyType) dependency.ServiceDependency {
	t.Helper()
	d, err := dependency.NewDependencyDescriptor(name, class, typ)
	require.NoError(t, err)
	return dependency.NewServiceDependency(d, false, dependency.Dynamic)
}

func bindAll(t *testing.T, deps []dependency.ServiceDependency, configure func(*dependency.BindingBuilder)) map[string]*dependency.ServiceBinding {
	t.Helper()
	out := make(map[string]*dependency.ServiceBinding, len(deps))
	for _, dep := range deps {
		b := dependency.NewBindingBuilder(dep)
		if configure != nil {
			configure(b)
		}
		binding, err := b.Build()
		require.NoError(t, err)
		out[dep.Name()] = binding
	}
	return out
}

// countingLifecycle joins its dependency values into a string service
type countingLifecycle struct {
	Funcs[string]
	mu       sync.Mutex
	created  int
	disposed int
	changes  []string
}

func newCountingLifecycle(deps ...dependency.ServiceDependency) *countingLifecycle {
	l := &countingLifecycle{}
	l.Deps = deps
	l.Classes = []string{"test.Joined"}
	l.Create = func(values map[string]any) (string, error) {
		l.mu.Lock()
		l.created++
		l.mu.Unlock()
		return join(values), nil
	}
	l.Change = func(_ string, name string, oldValue, newValue any, values map[string]any) (string, error) {
		l.mu.Lock()
		l.changes = append(l.changes, fmt.Sprintf("%s:%v->%v", name, oldValue, newValue))
		l.mu.Unlock()
		return join(values), nil
	}
	l.Dispose = func(string, map[string]any) {
		l.mu.Lock()
		l.disposed++
		l.mu.Unlock()
	}
	return l
}

func join(values map[string]any) string {
	parts := make([]string, 0, len(values))
	for k, v := range values {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func TestServiceManager_ThreeMandatoryRegistersOnce(t *testing.T) {
	deps := []dependency.ServiceDependency{
		serviceDep(t, "a", "test.A", dependency.Required),
		serviceDep(t, "b", "test.B", dependency.Required),
		serviceDep(t, "c", "test.C", dependency.Required),
	}
	bindings := bindAll(t, deps, func(b *dependency.BindingBuilder) { b.Eager().Dynamic() })

	reg := &mockRegistry{}
	for i, class := range []string{"test.A", "test.B", "test.C"} {
		ref := registry.Reference{ID: class, Seq: int64(i + 1), ClassNames: []string{class}}
		reg.On("AddListener", mock.MatchedBy(func(d registry.Descriptor) bool { return d.ClassName == class }), mock.Anything).
			Return(registry.ListenerHandle(i+1), nil)
		reg.On("FindAll", mock.Anything, mock.MatchedBy(func(d registry.Descriptor) bool { return d.ClassName == class })).
			Return([]registry.Reference{ref}, nil)
		reg.On("Service", mock.Anything, ref).Return("svc-"+class, true)
	}
	reg.On("RemoveListener", mock.Anything).Return()
	reg.On("Release", mock.Anything).Return()

	strategy := &mockStrategy{}
	strategy.On("Register", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	strategy.On("Unregister", mock.Anything).Return(nil)

	lc := newCountingLifecycle(deps...)
	m, err := NewServiceManager[string](lc, bindings, strategy, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx, reg))

	strategy.AssertNumberOfCalls(t, "Register", 1)
	strategy.AssertCalled(t, "Register", mock.Anything, "a=svc-test.A,b=svc-test.B,c=svc-test.C", mock.Anything)
	assert.Equal(t, 1, lc.created)
	assert.True(t, m.IsSatisfied())
	assert.True(t, m.IsAvailable())
	assert.Equal(t, StateRegistered, m.State())

	require.NoError(t, m.Stop(ctx))
	strategy.AssertNumberOfCalls(t, "Unregister", 1)
	reg.AssertNumberOfCalls(t, "RemoveListener", 3)
	reg.AssertNumberOfCalls(t, "Release", 3)
	assert.Equal(t, 1, lc.disposed)
	assert.Equal(t, StateStopped, m.State())
}

func registerValue(t *testing.T, reg registry.Registry, class, value string, props map[string]any) registry.Certificate {
	t.Helper()
	cert, err := reg.Register(context.Background(), registry.RegistrationRequest{
		ClassNames: []string{class},
		Service:    value,
		Properties: props,
	})
	require.NoError(t, err)
	return cert
}

func TestServiceManager_SatisfiedIffMandatoryBound(t *testing.T) {
	deps := []dependency.ServiceDependency{
		serviceDep(t, "store", "test.Store", dependency.Required),
		serviceDep(t, "cache", "test.Cache", dependency.Optional),
	}
	reg := registry.NewMemoryRegistry()
	strategy, err := NewDefaultRegistrationStrategy[string](reg, []string{"test.Joined"}, map[string]any{"kind": "joined"})
	require.NoError(t, err)

	lc := newCountingLifecycle(deps...)
	m, err := NewServiceManager[string](lc, bindAll(t, deps, nil), strategy, nil)
	require.NoError(t, err)
	ctx := context.Background()

	assert.False(t, m.IsSatisfied())
	require.NoError(t, m.Start(ctx, reg))
	defer m.Stop(ctx)

	registerValue(t, reg, "test.Cache", "lru", nil)
	assert.False(t, m.IsSatisfied())
	assert.False(t, m.IsAvailable())
	assert.Equal(t, StateUnsatisfied, m.State())

	storeCert := registerValue(t, reg, "test.Store", "disk", nil)
	assert.True(t, m.IsSatisfied())
	assert.Equal(t, StateRegistered, m.State())

	ref, ok := reg.FindSingle(ctx, registry.NewDescriptor("test.Joined"))
	require.True(t, ok)
	assert.Equal(t, "joined", ref.Properties["kind"])
	svc, ok := reg.Service(ctx, ref)
	require.True(t, ok)
	assert.Equal(t, "cache=lru,store=disk", svc)
	reg.Release(ref)

	require.NoError(t, reg.Unregister(ctx, storeCert))
	assert.False(t, m.IsSatisfied())
	assert.False(t, m.IsAvailable())
	assert.Equal(t, StateUnsatisfied, m.State())
	assert.Equal(t, 1, lc.disposed)
	_, ok = reg.FindSingle(ctx, registry.NewDescriptor("test.Joined"))
	assert.False(t, ok)
}

func TestServiceManager_DynamicChangeKeepsService(t *testing.T) {
	deps := []dependency.ServiceDependency{serviceDep(t, "store", "test.Store", dependency.Required)}
	reg := registry.NewMemoryRegistry()
	strategy, err := NewDefaultRegistrationStrategy[string](reg, []string{"test.Joined"}, nil)
	require.NoError(t, err)

	lc := newCountingLifecycle(deps...)
	m, err := NewServiceManager[string](lc, bindAll(t, deps, nil), strategy, nil)
	require.NoError(t, err)
	ctx := context.Background()

	first := registerValue(t, reg, "test.Store", "disk", nil)
	registerValue(t, reg, "test.Store", "memory", nil)
	require.NoError(t, m.Start(ctx, reg))
	defer m.Stop(ctx)
	firstCert, _ := strategy.Certificate()

	require.NoError(t, reg.Unregister(ctx, first))

	assert.Equal(t, []string{"store:disk->memory"}, lc.changes)
	assert.Equal(t, 1, lc.created)
	assert.Equal(t, 0, lc.disposed)
	assert.Equal(t, StateRegistered, m.State())

	svc, _ := m.Service()
	assert.Equal(t, "store=memory", svc)
	secondCert, ok := strategy.Certificate()
	require.True(t, ok)
	assert.NotEqual(t, firstCert, secondCert, "a new instance is registered again")
}

// peer keeps a pointer identity across dependency changes
type peer struct {
	mu   sync.Mutex
	uses any
}

func (p *peer) partner() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uses
}

func newPeerManager(t *testing.T, reg registry.Registry, name, class, dep, depClass string, typ dependency.DependencyType) *ServiceManager[*peer] {
	t.Helper()
	deps := []dependency.ServiceDependency{serviceDep(t, dep, depClass, typ)}
	lc := &Funcs[*peer]{
		Deps:    deps,
		Classes: []string{class},
		Create: func(values map[string]any) (*peer, error) {
			return &peer{uses: values[dep]}, nil
		},
		Change: func(p *peer, _ string, _, newValue any, _ map[string]any) (*peer, error) {
			p.mu.Lock()
			p.uses = newValue
			p.mu.Unlock()
			return p, nil
		},
	}
	strategy, err := NewDefaultRegistrationStrategy[*peer](reg, []string{class}, nil)
	require.NoError(t, err)
	m, err := NewServiceManager[*peer](lc, bindAll(t, deps, nil), strategy, nil, WithName(name))
	require.NoError(t, err)
	return m
}

func TestServiceManager_MutualDependencies(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()

	// b needs a, a uses b once it exists
	mb := newPeerManager(t, reg, "b", "test.B", "a", "test.A", dependency.Required)
	ma := newPeerManager(t, reg, "a", "test.A", "b", "test.B", dependency.Optional)

	require.NoError(t, mb.Start(ctx, reg))
	assert.Equal(t, StateUnsatisfied, mb.State())

	started := make(chan error, 1)
	go func() { started <- ma.Start(ctx, reg) }()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return while registering into a dependent manager")
	}

	assert.Equal(t, StateRegistered, ma.State())
	assert.Equal(t, StateRegistered, mb.State())
	a, ok := ma.Service()
	require.True(t, ok)
	b, ok := mb.Service()
	require.True(t, ok)
	assert.Same(t, a, b.partner())
	assert.Same(t, b, a.partner())

	stopped := make(chan error, 1)
	go func() { stopped <- ma.Stop(ctx) }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while unregistering from a dependent manager")
	}
	assert.Equal(t, StateUnsatisfied, mb.State())
	assert.False(t, mb.IsAvailable())
	require.NoError(t, mb.Stop(ctx))
}

func TestServiceManager_ConcurrentStopWhileRefreshing(t *testing.T) {
	deps := []dependency.ServiceDependency{serviceDep(t, "store", "test.Store", dependency.Required)}
	reg := registry.NewMemoryRegistry()

	release := make(chan struct{})
	creating := make(chan struct{})
	lc := &Funcs[string]{
		Deps:    deps,
		Classes: []string{"test.Joined"},
		Create: func(values map[string]any) (string, error) {
			close(creating)
			<-release
			return join(values), nil
		},
	}
	m, err := NewServiceManager[string](lc, bindAll(t, deps, nil), nil, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, reg))

	go func() {
		_, _ = reg.Register(ctx, registry.RegistrationRequest{ClassNames: []string{"test.Store"}, Service: "disk"})
	}()
	<-creating

	stopped := make(chan error, 1)
	go func() { stopped <- m.Stop(ctx) }()
	select {
	case <-stopped:
		t.Fatal("Stop returned before the running create finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.Equal(t, StateStopped, m.State())
	assert.False(t, m.IsAvailable())
}

func TestServiceManager_RegistrationToggle(t *testing.T) {
	deps := []dependency.ServiceDependency{serviceDep(t, "store", "test.Store", dependency.Required)}
	reg := registry.NewMemoryRegistry()
	registerValue(t, reg, "test.Store", "disk", nil)

	strategy := &NoopRegistrationStrategy[string]{}
	m, err := NewServiceManager[string](newCountingLifecycle(deps...), bindAll(t, deps, nil), strategy, nil,
		WithRegistrationDisabled())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, reg))
	defer m.Stop(ctx)
	assert.Equal(t, StateSatisfied, m.State())
	assert.True(t, m.IsAvailable())
	assert.False(t, m.IsRegistered())

	require.NoError(t, m.Register(ctx))
	assert.Equal(t, StateRegistered, m.State())
	assert.True(t, strategy.IsRegistered())

	require.NoError(t, m.Unregister(ctx))
	assert.Equal(t, StateSatisfied, m.State())
	assert.False(t, strategy.IsRegistered())
}

func TestServiceManager_NoDependencies(t *testing.T) {
	lc := newCountingLifecycle()
	m, err := NewServiceManager[string](lc, nil, nil, nil)
	require.NoError(t, err)

	assert.True(t, m.IsSatisfied())
	require.NoError(t, m.Start(context.Background(), registry.NewMemoryRegistry()))
	assert.Equal(t, StateRegistered, m.State())
	assert.Equal(t, 1, lc.created)
}

func TestServiceManager_StartStopDispose(t *testing.T) {
	deps := []dependency.ServiceDependency{serviceDep(t, "store", "test.Store", dependency.Required)}
	reg := registry.NewMemoryRegistry()
	managers := &NoopRegistrationStrategy[ManagedService]{}
	m, err := NewServiceManager[string](newCountingLifecycle(deps...), bindAll(t, deps, nil), nil, managers)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, reg))
	assert.True(t, managers.IsRegistered())
	assert.Equal(t, 1, reg.ListenerCount())
	assert.ErrorIs(t, m.Start(ctx, reg), errors.ErrAlreadyStarted)

	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, 0, reg.ListenerCount())
	assert.False(t, managers.IsRegistered())
	require.NoError(t, m.Stop(ctx))

	require.NoError(t, m.Start(ctx, reg))
	require.NoError(t, m.Dispose(ctx))
	assert.Equal(t, StateDisposed, m.State())
	assert.ErrorIs(t, m.Start(ctx, reg), errors.ErrDisposed)
	assert.ErrorIs(t, m.Register(ctx), errors.ErrDisposed)
}

func TestServiceManager_CreateFailureStaysUnsatisfied(t *testing.T) {
	deps := []dependency.ServiceDependency{serviceDep(t, "store", "test.Store", dependency.Required)}
	reg := registry.NewMemoryRegistry()
	registerValue(t, reg, "test.Store", "disk", nil)

	lc := &Funcs[string]{
		Deps:    deps,
		Classes: []string{"test.Broken"},
		Create:  func(map[string]any) (string, error) { return "", fmt.Errorf("boom") },
	}
	m, err := NewServiceManager[string](lc, bindAll(t, deps, nil), nil, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), reg))
	defer m.Stop(context.Background())

	assert.True(t, m.IsSatisfied())
	assert.False(t, m.IsAvailable())
	assert.Equal(t, StateUnsatisfied, m.State())
}

func TestNewServiceManager_Invalid(t *testing.T) {
	deps := []dependency.ServiceDependency{serviceDep(t, "store", "test.Store", dependency.Required)}

	_, err := NewServiceManager[string](nil, nil, nil, nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewServiceManager[string](newCountingLifecycle(deps...), nil, nil, nil)
	assert.True(t, errors.IsInvalid(err))

	extra := bindAll(t, append(deps, serviceDep(t, "other", "test.Other", dependency.Optional)), nil)
	_, err = NewServiceManager[string](newCountingLifecycle(deps...), extra, nil, nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewDefaultRegistrationStrategy[string](nil, []string{"x"}, nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestServiceManager_Metrics(t *testing.T) {
	metrics := metric.NewMetricsRegistry()
	deps := []dependency.ServiceDependency{serviceDep(t, "store", "test.Store", dependency.Required)}
	reg := registry.NewMemoryRegistry()
	m, err := NewServiceManager[string](newCountingLifecycle(deps...), bindAll(t, deps, nil), nil, nil,
		WithName("joined"), WithMetrics(metrics))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, reg))
	defer m.Stop(ctx)
	gauge := metrics.Metrics.ManagerState.WithLabelValues("joined")
	assert.Equal(t, float64(StateUnsatisfied), testutil.ToFloat64(gauge))

	registerValue(t, reg, "test.Store", "disk", nil)
	assert.Equal(t, float64(StateRegistered), testutil.ToFloat64(gauge))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Metrics.DependencyEvents.WithLabelValues("store", "bound")))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "registered", StateRegistered.String())
	assert.Equal(t, "disposed", StateDisposed.String())
}
