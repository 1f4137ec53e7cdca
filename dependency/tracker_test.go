package dependency

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/notify"
	"github.com/c360/jflux/registry"
)

const greeterClass = "greeter.Greeter"

type recorder struct {
	mu         sync.Mutex
	candidates []string
	bound      []any
	removed    []any
	reject     map[string]bool
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnCandidate: func(ref registry.Reference) bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.candidates = append(r.candidates, ref.ID)
			return !r.reject[ref.ID]
		},
		OnBound: func(_ registry.Reference, svc any) {
			r.mu.Lock()
			r.bound = append(r.bound, svc)
			r.mu.Unlock()
		},
		OnRemoved: func(_ registry.Reference, svc any) {
			r.mu.Lock()
			r.removed = append(r.removed, svc)
			r.mu.Unlock()
		},
	}
}

func newBinding(t *testing.T, multiple bool, configure func(*BindingBuilder)) *ServiceBinding {
	t.Helper()
	desc, err := NewDependencyDescriptor("greeter", greeterClass, Required)
	require.NoError(t, err)
	b := NewBindingBuilder(NewServiceDependency(desc, multiple, Dynamic))
	if configure != nil {
		configure(b)
	}
	binding, err := b.Build()
	require.NoError(t, err)
	return binding
}

func register(t *testing.T, reg registry.Registry, svc string, ranking int) registry.Certificate {
	t.Helper()
	cert, err := reg.Register(context.Background(), registry.RegistrationRequest{
		ClassNames: []string{greeterClass},
		Service:    svc,
		Properties: map[string]any{registry.PropServiceRanking: ranking},
	})
	require.NoError(t, err)
	return cert
}

func startTracker(t *testing.T, reg registry.Registry, binding *ServiceBinding, rec *recorder, opts ...Option) *DependencyTracker {
	t.Helper()
	tr, err := NewDependencyTracker(reg, binding, rec.callbacks(), opts...)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(tr.Stop)
	return tr
}

func TestTracker_ZeroMatches(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	rec := &recorder{}
	tr := startTracker(t, reg, newBinding(t, false, nil), rec)

	assert.Equal(t, 0, tr.Count())
	assert.Nil(t, tr.Value())
	assert.Nil(t, tr.DependencyValue())
	assert.Empty(t, tr.Values())
	assert.False(t, tr.IsAvailable())
	assert.Empty(t, rec.bound)
}

func TestTracker_NewInvalid(t *testing.T) {
	_, err := NewDependencyTracker(nil, newBinding(t, false, nil), Callbacks{})
	assert.True(t, errors.IsInvalid(err))
	_, err = NewDependencyTracker(registry.NewMemoryRegistry(), nil, Callbacks{})
	assert.True(t, errors.IsInvalid(err))
}

func TestTracker_DoubleStart(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	tr := startTracker(t, reg, newBinding(t, false, nil), &recorder{})
	assert.ErrorIs(t, tr.Start(context.Background()), errors.ErrAlreadyStarted)
}

func TestTracker_EagerFirstCome(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	register(t, reg, "a", 0)
	rec := &recorder{}
	tr := startTracker(t, reg, newBinding(t, false, nil), rec)

	assert.Equal(t, "a", tr.Value())

	register(t, reg, "b", 100)
	assert.Equal(t, "a", tr.Value(), "eager keeps the first accepted match")
	assert.Len(t, rec.candidates, 2, "every match is offered")
	assert.Equal(t, []any{"a"}, rec.bound)
	assert.Equal(t, 2, tr.Count())
}

func TestTracker_EagerRejectedCandidate(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	certA := register(t, reg, "a", 0)
	rec := &recorder{reject: map[string]bool{certA.ID: true}}
	tr := startTracker(t, reg, newBinding(t, false, nil), rec)

	assert.Nil(t, tr.Value())
	register(t, reg, "b", 0)
	assert.Equal(t, "b", tr.Value())
}

func TestTracker_LazyPrefersRanking(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	register(t, reg, "low", 1)
	register(t, reg, "high", 5)
	rec := &recorder{}
	tr := startTracker(t, reg, newBinding(t, false, func(b *BindingBuilder) { b.Lazy() }), rec)

	assert.Equal(t, "high", tr.Value())
	assert.Empty(t, rec.candidates, "lazy bindings do not offer candidates")

	register(t, reg, "best", 10)
	assert.Equal(t, "best", tr.Value())
	assert.Equal(t, []any{"high", "best"}, rec.bound)
}

func TestTracker_LazyTieUsesEarliest(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	register(t, reg, "first", 3)
	register(t, reg, "second", 3)
	tr := startTracker(t, reg, newBinding(t, false, func(b *BindingBuilder) { b.Lazy() }), &recorder{})

	assert.Equal(t, "first", tr.Value())
}

func TestTracker_LazyStaticKeepsBinding(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	register(t, reg, "low", 1)
	rec := &recorder{}
	tr := startTracker(t, reg, newBinding(t, false, func(b *BindingBuilder) { b.Lazy().Static() }), rec)

	register(t, reg, "high", 9)
	assert.Equal(t, "low", tr.Value())
	assert.Equal(t, []any{"low"}, rec.bound)
}

func TestTracker_DynamicRebindsOnRemoval(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	certA := register(t, reg, "a", 0)
	register(t, reg, "b", 0)
	rec := &recorder{}
	tr := startTracker(t, reg, newBinding(t, false, nil), rec)
	require.Equal(t, "a", tr.Value())

	require.NoError(t, reg.Unregister(context.Background(), certA))

	assert.Equal(t, "b", tr.Value())
	assert.Equal(t, []any{"a"}, rec.removed)
	assert.Equal(t, []any{"a", "b"}, rec.bound)
	assert.Equal(t, 1, tr.Count())
}

func TestTracker_StaticReportsUnavailable(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	certA := register(t, reg, "a", 0)
	register(t, reg, "b", 0)
	rec := &recorder{}
	tr := startTracker(t, reg, newBinding(t, false, func(b *BindingBuilder) { b.Static() }), rec)

	require.NoError(t, reg.Unregister(context.Background(), certA))
	assert.Nil(t, tr.Value())
	assert.False(t, tr.IsAvailable())
	assert.Equal(t, []any{"a"}, rec.removed)
	assert.Equal(t, 1, tr.Count())

	register(t, reg, "c", 0)
	assert.Equal(t, "c", tr.Value(), "a new registration binds again")
}

func TestTracker_LazyStaticRebindsOnlyArrivals(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	certA := register(t, reg, "a", 5)
	register(t, reg, "b", 1)
	rec := &recorder{}
	tr := startTracker(t, reg, newBinding(t, false, func(b *BindingBuilder) { b.Lazy().Static() }), rec)
	require.Equal(t, "a", tr.Value())

	require.NoError(t, reg.Unregister(context.Background(), certA))
	assert.Nil(t, tr.Value())
	assert.Equal(t, 1, tr.Count())

	register(t, reg, "c", 0)
	assert.Equal(t, "c", tr.Value(), "the arrival binds, not the passed-over b")
	assert.Equal(t, []any{"a", "c"}, rec.bound)
}

func TestTracker_LateRegisteredEventIgnored(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	register(t, reg, "a", 1)
	rec := &recorder{}
	tr := startTracker(t, reg, newBinding(t, false, func(b *BindingBuilder) { b.Lazy() }), rec)
	require.Equal(t, "a", tr.Value())

	certB := register(t, reg, "b", 5)
	refB, ok := reg.Reference(certB)
	require.True(t, ok)
	require.Equal(t, "b", tr.Value())
	require.NoError(t, reg.Unregister(context.Background(), certB))
	require.Equal(t, "a", tr.Value())

	// the registration of b delivered after its removal
	tr.handle(registry.RegistryEvent{Type: registry.EventRegistered, Reference: refB})
	assert.Equal(t, 1, tr.Count())
	assert.Equal(t, "a", tr.Value())
	assert.Equal(t, 1, reg.UseCount(tr.Candidates()[0]))

	register(t, reg, "c", 9)
	assert.Equal(t, "c", tr.Value())
	assert.Equal(t, 2, tr.Count())
}

func TestTracker_Multiple(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	register(t, reg, "a", 0)
	certB := register(t, reg, "b", 0)
	rec := &recorder{}
	tr := startTracker(t, reg, newBinding(t, true, nil), rec)

	assert.ElementsMatch(t, []any{"a", "b"}, tr.Values())
	assert.ElementsMatch(t, []any{"a", "b"}, tr.DependencyValue())

	register(t, reg, "c", 0)
	assert.Len(t, tr.Values(), 3)

	require.NoError(t, reg.Unregister(context.Background(), certB))
	assert.ElementsMatch(t, []any{"a", "c"}, tr.Values())
	assert.Equal(t, []any{"b"}, rec.removed)
}

func TestTracker_ModifyOutOfFilter(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	cert, err := reg.Register(context.Background(), registry.RegistrationRequest{
		ClassNames: []string{greeterClass},
		Service:    "a",
		Properties: map[string]any{"lang": "en"},
	})
	require.NoError(t, err)

	rec := &recorder{}
	tr := startTracker(t, reg, newBinding(t, false, func(b *BindingBuilder) { b.WithProperty("lang", "en") }), rec)
	require.Equal(t, "a", tr.Value())

	require.NoError(t, reg.Modify(context.Background(), cert, registry.Modification{Set: map[string]any{"lang": "fr"}}))
	assert.Nil(t, tr.Value())
	assert.Equal(t, []any{"a"}, rec.removed)

	require.NoError(t, reg.Modify(context.Background(), cert, registry.Modification{Set: map[string]any{"lang": "en"}}))
	assert.Equal(t, "a", tr.Value())
}

func TestTracker_StopReleases(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	register(t, reg, "a", 0)
	rec := &recorder{}
	tr, err := NewDependencyTracker(reg, newBinding(t, false, nil), rec.callbacks())
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))

	ref, ok := tr.Bound()
	require.True(t, ok)
	assert.Equal(t, 1, reg.UseCount(ref))
	assert.Equal(t, 1, reg.ListenerCount())

	tr.Stop()
	assert.Equal(t, 0, reg.UseCount(ref))
	assert.Equal(t, 0, reg.ListenerCount())
	assert.Nil(t, tr.Value())
	assert.Empty(t, rec.removed, "stop fires no callbacks")

	register(t, reg, "b", 0)
	assert.Nil(t, tr.Value())
}

// failingRegistry rejects listeners and lookups
type failingRegistry struct {
	registry.Registry
}

func (failingRegistry) AddListener(registry.Descriptor, notify.Listener[registry.RegistryEvent]) (registry.ListenerHandle, error) {
	return 0, errors.WrapInvalid(errors.ErrInvalidFilter, "failingRegistry", "AddListener", "add listener")
}

func TestTracker_RegistryErrorsReportZero(t *testing.T) {
	tr, err := NewDependencyTracker(failingRegistry{}, newBinding(t, false, nil), Callbacks{})
	require.NoError(t, err)

	assert.NoError(t, tr.Start(context.Background()))
	assert.Equal(t, 0, tr.Count())
	assert.Nil(t, tr.Value())
	tr.Stop()
}

func TestTracker_Metrics(t *testing.T) {
	metrics := metric.NewMetricsRegistry()
	reg := registry.NewMemoryRegistry()
	cert := register(t, reg, "a", 0)
	startTracker(t, reg, newBinding(t, false, nil), &recorder{}, WithMetrics(metrics))

	require.NoError(t, reg.Unregister(context.Background(), cert))

	events := metrics.Metrics.DependencyEvents
	assert.Equal(t, 1.0, testutil.ToFloat64(events.WithLabelValues("greeter", "candidate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(events.WithLabelValues("greeter", "bound")))
	assert.Equal(t, 1.0, testutil.ToFloat64(events.WithLabelValues("greeter", "removed")))
}
