package dependency

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/notify"
	"github.com/c360/jflux/registry"
)

// Callbacks receive tracker events. Any field may be nil.
//
// OnCandidate is called with the tracker lock held and must not call back
// into the tracker. OnBound and OnRemoved run after the lock is released;
// when they run the tracker already reflects the change.
type Callbacks struct {
	// OnCandidate is offered every match of an Eager binding. Returning
	// false rejects it as the bound value. nil accepts every match.
	OnCandidate func(ref registry.Reference) bool
	// OnBound reports a newly bound value, including a replacement
	OnBound func(ref registry.Reference, service any)
	// OnRemoved reports that a bound value went away
	OnRemoved func(ref registry.Reference, service any)
}

// Option configures a DependencyTracker
type Option func(*DependencyTracker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *DependencyTracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics counts tracker events in the core metrics
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(t *DependencyTracker) { t.metrics = registry.CoreMetrics() }
}

type bound struct {
	ref     registry.Reference
	service any
}

type trackerEvent struct {
	removed bool
	b       bound
}

// DependencyTracker follows the registrations matching one ServiceBinding
type DependencyTracker struct {
	reg       registry.Registry
	binding   *ServiceBinding
	callbacks Callbacks
	logger    *slog.Logger
	metrics   *metric.Metrics

	mu         sync.Mutex
	started    bool
	listener   registry.ListenerHandle
	listening  bool
	candidates []registry.Reference // arrival order
	bound      []bound              // at most one unless the binding is multiple
}

// NewDependencyTracker creates a tracker. It does not touch the registry
// until Start.
func NewDependencyTracker(reg registry.Registry, binding *ServiceBinding, callbacks Callbacks, opts ...Option) (*DependencyTracker, error) {
	if reg == nil {
		return nil, errors.Invalidf("DependencyTracker", "New", "registry is nil")
	}
	if binding == nil {
		return nil, errors.Invalidf("DependencyTracker", "New", "binding is nil")
	}
	t := &DependencyTracker{
		reg:       reg,
		binding:   binding,
		callbacks: callbacks,
		logger:    slog.Default().With("component", "dependency", "dependency", binding.Name()),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Binding returns the tracked binding
func (t *DependencyTracker) Binding() *ServiceBinding { return t.binding }

// Start listens for matching registrations and seeds the tracker with the
// current matches. Registry failures are logged and leave the tracker with
// zero matches; Start only fails when called twice.
func (t *DependencyTracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "DependencyTracker", "Start", "start "+t.binding.Name())
	}
	t.started = true
	t.mu.Unlock()

	desc := t.binding.Descriptor()
	h, err := t.reg.AddListener(desc, notify.ListenerFunc[registry.RegistryEvent](t.handle))
	if err != nil {
		t.logger.Warn("cannot listen for dependency", "descriptor", desc.Filter(), "error", err)
		return nil
	}
	t.mu.Lock()
	if !t.started {
		// stopped while registering the listener
		t.mu.Unlock()
		t.reg.RemoveListener(h)
		return nil
	}
	t.listener, t.listening = h, true
	t.mu.Unlock()

	refs, err := t.reg.FindAll(ctx, desc)
	if err != nil {
		t.logger.Warn("cannot find dependency matches", "descriptor", desc.Filter(), "error", err)
		return nil
	}
	for _, ref := range refs {
		t.added(ref)
	}
	t.logger.Debug("dependency tracker started", "binding", t.binding.String(), "matches", len(refs))
	return nil
}

// Stop removes the registry listener, releases bound services and discards
// candidates. No callbacks are fired.
func (t *DependencyTracker) Stop() {
	t.mu.Lock()
	h, listening := t.listener, t.listening
	released := t.bound
	t.started, t.listening = false, false
	t.candidates, t.bound = nil, nil
	t.mu.Unlock()

	if listening {
		t.reg.RemoveListener(h)
	}
	for _, b := range released {
		t.reg.Release(b.ref)
	}
}

func (t *DependencyTracker) handle(ev registry.RegistryEvent) {
	switch ev.Type {
	case registry.EventRegistered:
		t.added(ev.Reference)
	case registry.EventModified:
		t.modified(ev.Reference)
	case registry.EventUnregistering:
		t.removed(ev.Reference)
	}
}

func (t *DependencyTracker) indexOf(id string) int {
	return slices.IndexFunc(t.candidates, func(r registry.Reference) bool { return r.ID == id })
}

func (t *DependencyTracker) boundIndex(id string) int {
	return slices.IndexFunc(t.bound, func(b bound) bool { return b.ref.ID == id })
}

// resolve obtains the service for ref. A candidate that does not resolve is
// dropped. Called with t.mu held.
func (t *DependencyTracker) resolve(ref registry.Reference) (bound, bool) {
	svc, ok := t.reg.Service(context.Background(), ref)
	if !ok || svc == nil {
		if ok {
			t.reg.Release(ref)
		}
		t.logger.Warn("dependency match has no service", "ref", ref.ID)
		t.drop(ref.ID)
		return bound{}, false
	}
	return bound{ref: ref, service: svc}, true
}

// alive reports whether the registry still resolves ref. Called with t.mu
// held.
func (t *DependencyTracker) alive(ref registry.Reference) bool {
	if _, ok := t.reg.Service(context.Background(), ref); !ok {
		return false
	}
	t.reg.Release(ref)
	return true
}

func (t *DependencyTracker) drop(id string) {
	if i := t.indexOf(id); i >= 0 {
		t.candidates = slices.Delete(t.candidates, i, i+1)
	}
}

func (t *DependencyTracker) accept(ref registry.Reference) bool {
	if t.binding.BindingStrategy() != Eager || t.callbacks.OnCandidate == nil {
		return true
	}
	return t.callbacks.OnCandidate(ref)
}

// preferred returns the candidate a lazy binding should use
func (t *DependencyTracker) preferred() (registry.Reference, bool) {
	if len(t.candidates) == 0 {
		return registry.Reference{}, false
	}
	refs := slices.Clone(t.candidates)
	registry.SortReferences(refs)
	return refs[0], true
}

// bindNext binds the first usable candidate: in arrival order offered to
// OnCandidate for Eager, in preference order for Lazy. Called with t.mu held.
func (t *DependencyTracker) bindNext() (bound, bool) {
	refs := slices.Clone(t.candidates)
	if t.binding.BindingStrategy() == Lazy {
		registry.SortReferences(refs)
	}
	for _, ref := range refs {
		if t.binding.BindingStrategy() == Eager && !t.accept(ref) {
			continue
		}
		if b, ok := t.resolve(ref); ok {
			t.bound = []bound{b}
			return b, true
		}
	}
	return bound{}, false
}

func (t *DependencyTracker) added(ref registry.Reference) {
	t.mu.Lock()
	if !t.started || t.indexOf(ref.ID) >= 0 {
		t.mu.Unlock()
		return
	}
	t.candidates = append(t.candidates, ref)
	t.metrics.RecordDependencyEvent(t.binding.Name(), "candidate")

	var events []trackerEvent
	switch {
	case t.binding.Dependency().Cardinality().IsMultiple():
		if t.accept(ref) {
			if b, ok := t.resolve(ref); ok {
				t.bound = append(t.bound, b)
				events = append(events, trackerEvent{b: b})
			}
		}
	case t.binding.BindingStrategy() == Eager:
		accepted := t.accept(ref)
		if len(t.bound) == 0 && accepted {
			if b, ok := t.resolve(ref); ok {
				t.bound = []bound{b}
				events = append(events, trackerEvent{b: b})
			}
		}
	default:
		events = t.rebalance(&ref)
	}
	// a REGISTERED delivered after its own UNREGISTERING names a gone reference
	if t.boundIndex(ref.ID) < 0 && t.indexOf(ref.ID) >= 0 && !t.alive(ref) {
		t.drop(ref.ID)
	}
	t.mu.Unlock()
	t.fire(events)
}

// rebalance binds or switches a lazy unary binding to the preferred
// candidate. arrived is the reference that was just added, nil otherwise.
// An unbound Static binding only binds arrivals, as Eager does; the
// candidates it passed over stay unbound. Called with t.mu held.
func (t *DependencyTracker) rebalance(arrived *registry.Reference) []trackerEvent {
	static := t.binding.UpdateStrategy() == Static
	if len(t.bound) == 0 {
		if static {
			if arrived == nil {
				return nil
			}
			if b, ok := t.resolve(*arrived); ok {
				t.bound = []bound{b}
				return []trackerEvent{{b: b}}
			}
			return nil
		}
		if b, ok := t.bindNext(); ok {
			return []trackerEvent{{b: b}}
		}
		return nil
	}
	if static {
		return nil
	}
	for {
		best, ok := t.preferred()
		if !ok || best.ID == t.bound[0].ref.ID {
			return nil
		}
		// a failed resolve drops best, so the loop ends
		next, ok := t.resolve(best)
		if !ok {
			continue
		}
		old := t.bound[0]
		t.bound = []bound{next}
		t.reg.Release(old.ref)
		t.logger.Debug("switched to preferred match", "from", old.ref.ID, "to", best.ID)
		return []trackerEvent{{b: next}}
	}
}

func (t *DependencyTracker) modified(ref registry.Reference) {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	i := t.indexOf(ref.ID)
	if i < 0 {
		t.mu.Unlock()
		t.added(ref)
		return
	}
	t.candidates[i] = ref
	if j := t.boundIndex(ref.ID); j >= 0 {
		t.bound[j].ref = ref
	}
	var events []trackerEvent
	if t.binding.BindingStrategy() == Lazy && !t.binding.Dependency().Cardinality().IsMultiple() {
		events = t.rebalance(nil)
	}
	t.mu.Unlock()
	t.fire(events)
}

func (t *DependencyTracker) removed(ref registry.Reference) {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	if i := t.indexOf(ref.ID); i >= 0 {
		t.candidates = slices.Delete(t.candidates, i, i+1)
	}
	j := t.boundIndex(ref.ID)
	if j < 0 {
		t.mu.Unlock()
		return
	}
	gone := t.bound[j]
	t.bound = slices.Delete(t.bound, j, j+1)
	events := []trackerEvent{{removed: true, b: gone}}

	multiple := t.binding.Dependency().Cardinality().IsMultiple()
	if !multiple && t.binding.UpdateStrategy() == Dynamic {
		if b, ok := t.bindNext(); ok {
			events = append(events, trackerEvent{b: b})
		}
	}
	t.mu.Unlock()

	t.reg.Release(gone.ref)
	if !multiple && len(events) == 1 {
		t.logger.Info("dependency unavailable", "ref", gone.ref.ID, "update", t.binding.UpdateStrategy().String())
	}
	t.fire(events)
}

func (t *DependencyTracker) fire(events []trackerEvent) {
	for _, ev := range events {
		if ev.removed {
			t.metrics.RecordDependencyEvent(t.binding.Name(), "removed")
			if t.callbacks.OnRemoved != nil {
				t.callbacks.OnRemoved(ev.b.ref, ev.b.service)
			}
			continue
		}
		t.metrics.RecordDependencyEvent(t.binding.Name(), "bound")
		if t.callbacks.OnBound != nil {
			t.callbacks.OnBound(ev.b.ref, ev.b.service)
		}
	}
}

// Value returns the bound service of a unary binding, or the first bound
// service of a multiple binding. nil when nothing is bound.
func (t *DependencyTracker) Value() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.bound) == 0 {
		return nil
	}
	return t.bound[0].service
}

// Values returns every bound service
func (t *DependencyTracker) Values() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]any, len(t.bound))
	for i, b := range t.bound {
		out[i] = b.service
	}
	return out
}

// Bound returns the reference of the bound service of a unary binding
func (t *DependencyTracker) Bound() (registry.Reference, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.bound) == 0 {
		return registry.Reference{}, false
	}
	return t.bound[0].ref, true
}

// Candidates returns the known matches in arrival order
func (t *DependencyTracker) Candidates() []registry.Reference {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.candidates)
}

// Count returns the number of known matches
func (t *DependencyTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.candidates)
}

// IsAvailable reports whether a value is bound
func (t *DependencyTracker) IsAvailable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bound) > 0
}

// DependencyValue returns what a lifecycle sees for this dependency: the
// bound value for unary bindings, a []any for multiple bindings, nil when
// nothing is bound.
func (t *DependencyTracker) DependencyValue() any {
	if !t.binding.Dependency().Cardinality().IsMultiple() {
		return t.Value()
	}
	values := t.Values()
	if len(values) == 0 {
		return nil
	}
	return values
}
