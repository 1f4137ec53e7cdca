package registry

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/notify"
)

// Option configures registries
type Option func(*options)

type options struct {
	name    string
	nodeID  string
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
}

// WithName sets the registry name used in metrics and logs
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithNodeID sets the node ID stamped on every registration
func WithNodeID(id string) Option {
	return func(o *options) { o.nodeID = id }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records registrations and events
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) { o.metrics = registry }
}

func buildOptions(opts []Option) options {
	o := options{name: "memory"}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.nodeID == "" {
		o.nodeID = uuid.NewString()
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "registry", "registry", o.name)
	}
	return o
}

type entry struct {
	ref     Reference
	service any
	uses    int
}

type listenerEntry struct {
	descriptor Descriptor
	filter     Filter
	listener   notify.Listener[RegistryEvent]
}

type dispatch struct {
	listener notify.Listener[RegistryEvent]
	event    RegistryEvent
}

// MemoryRegistry is an in-process Registry. Listener callbacks run
// synchronously after the mutation, outside the registry lock, so listeners
// may call back into the registry.
type MemoryRegistry struct {
	name    string
	nodeID  string
	logger  *slog.Logger
	metrics *metric.Metrics

	mu           sync.RWMutex
	entries      map[string]*entry
	seq          int64
	listeners    map[ListenerHandle]*listenerEntry
	nextListener ListenerHandle
	closed       bool
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry(opts ...Option) *MemoryRegistry {
	o := buildOptions(opts)
	return &MemoryRegistry{
		name:      o.name,
		nodeID:    o.nodeID,
		logger:    o.logger,
		metrics:   o.metrics.CoreMetrics(),
		entries:   make(map[string]*entry),
		listeners: make(map[ListenerHandle]*listenerEntry),
	}
}

// NodeID returns the ID stamped on local registrations
func (r *MemoryRegistry) NodeID() string { return r.nodeID }

// Name returns the registry name
func (r *MemoryRegistry) Name() string { return r.name }

func copyProps(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}

func (e *entry) snapshot() Reference {
	ref := e.ref
	ref.ClassNames = slices.Clone(e.ref.ClassNames)
	ref.Properties = copyProps(e.ref.Properties)
	return ref
}

// Register adds a service. ClassNames and Service are required.
func (r *MemoryRegistry) Register(_ context.Context, req RegistrationRequest) (Certificate, error) {
	if len(req.ClassNames) == 0 {
		return Certificate{}, errors.Invalidf("MemoryRegistry", "Register", "at least one class name is required")
	}
	if req.Service == nil {
		return Certificate{}, errors.Invalidf("MemoryRegistry", "Register", "service is nil")
	}
	for _, c := range req.ClassNames {
		if c == "" {
			return Certificate{}, errors.Invalidf("MemoryRegistry", "Register", "empty class name")
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Certificate{}, errors.WrapFatal(errors.ErrRegistryClosed, "MemoryRegistry", "Register", "register service")
	}

	r.seq++
	props := copyProps(req.Properties)
	classes := slices.Clone(req.ClassNames)
	props[PropObjectClass] = classes
	props[PropServiceID] = r.seq
	props[PropNodeID] = r.nodeID

	e := &entry{
		ref: Reference{
			ID:         uuid.NewString(),
			Seq:        r.seq,
			ClassNames: classes,
			Properties: props,
			NodeID:     r.nodeID,
		},
		service: req.Service,
	}
	r.entries[e.ref.ID] = e
	pending := r.collect(e.snapshot(), EventRegistered)
	count := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetRegistrations(r.name, count)
	r.logger.Debug("service registered", "id", e.ref.ID, "classes", classes)
	r.dispatch(pending)
	return Certificate{ID: e.ref.ID}, nil
}

// Unregister removes a registration
func (r *MemoryRegistry) Unregister(_ context.Context, cert Certificate) error {
	r.mu.Lock()
	e, ok := r.entries[cert.ID]
	if !ok {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotRegistered, "MemoryRegistry", "Unregister", "unregister "+cert.ID)
	}
	delete(r.entries, cert.ID)
	pending := r.collect(e.snapshot(), EventUnregistering)
	count := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetRegistrations(r.name, count)
	r.logger.Debug("service unregistered", "id", cert.ID)
	r.dispatch(pending)
	return nil
}

var reservedProps = []string{PropObjectClass, PropServiceID, PropNodeID}

// Modify changes registration properties
func (r *MemoryRegistry) Modify(_ context.Context, cert Certificate, mod Modification) error {
	for k := range mod.Set {
		if slices.Contains(reservedProps, k) {
			return errors.Invalidf("MemoryRegistry", "Modify", "property %s is reserved", k)
		}
	}
	for _, k := range mod.Remove {
		if slices.Contains(reservedProps, k) {
			return errors.Invalidf("MemoryRegistry", "Modify", "property %s is reserved", k)
		}
	}

	r.mu.Lock()
	e, ok := r.entries[cert.ID]
	if !ok {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotRegistered, "MemoryRegistry", "Modify", "modify "+cert.ID)
	}

	before := e.snapshot()
	props := copyProps(e.ref.Properties)
	maps.Copy(props, mod.Set)
	for _, k := range mod.Remove {
		delete(props, k)
	}
	e.ref.Properties = props
	after := e.snapshot()

	var pending []dispatch
	for _, l := range r.listeners {
		if ev, ok := transition(l.filter, before.Properties, after); ok {
			pending = append(pending, dispatch{l.listener, ev})
		}
	}
	r.mu.Unlock()

	r.dispatch(pending)
	return nil
}

// transition picks the event a listener sees when a registration's
// properties change from before to after: MODIFIED while it keeps matching,
// REGISTERED when it starts, UNREGISTERING when it stops.
func transition(f Filter, before map[string]any, after Reference) (RegistryEvent, bool) {
	was, is := f.Match(before), f.Match(after.Properties)
	switch {
	case was && is:
		return RegistryEvent{Type: EventModified, Reference: after}, true
	case !was && is:
		return RegistryEvent{Type: EventRegistered, Reference: after}, true
	case was && !is:
		return RegistryEvent{Type: EventUnregistering, Reference: after}, true
	}
	return RegistryEvent{}, false
}

// Reference returns the current reference for a certificate
func (r *MemoryRegistry) Reference(cert Certificate) (Reference, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[cert.ID]
	if !ok {
		return Reference{}, false
	}
	return e.snapshot(), true
}

// collect builds the events for listeners matching ref. Caller holds mu.
func (r *MemoryRegistry) collect(ref Reference, t EventType) []dispatch {
	var pending []dispatch
	for _, l := range r.listeners {
		if l.filter.Match(ref.Properties) {
			pending = append(pending, dispatch{l.listener, RegistryEvent{Type: t, Reference: ref}})
		}
	}
	return pending
}

func (r *MemoryRegistry) dispatch(pending []dispatch) {
	for _, d := range pending {
		r.metrics.RecordRegistryEvent(r.name, d.event.Type.String())
		r.safeHandle(d)
	}
}

func (r *MemoryRegistry) safeHandle(d dispatch) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("registry listener panicked", "panic", p, "event", d.event.Type.String(),
				"id", d.event.Reference.ID)
		}
	}()
	d.listener.Handle(d.event)
}

// FindAll returns every match in preference order. An invalid descriptor
// filter returns ErrInvalidFilter.
func (r *MemoryRegistry) FindAll(_ context.Context, d Descriptor) ([]Reference, error) {
	f, err := d.Compile()
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	var refs []Reference
	for _, e := range r.entries {
		if f.Match(e.ref.Properties) {
			refs = append(refs, e.snapshot())
		}
	}
	r.mu.RUnlock()

	SortReferences(refs)
	return refs, nil
}

// FindSingle returns the preferred match
func (r *MemoryRegistry) FindSingle(ctx context.Context, d Descriptor) (Reference, bool) {
	refs, err := r.FindAll(ctx, d)
	if err != nil {
		r.logger.Warn("find failed", "descriptor", d.Filter(), "error", err)
		return Reference{}, false
	}
	if len(refs) == 0 {
		return Reference{}, false
	}
	return refs[0], true
}

// Service resolves ref and counts the use until Release
func (r *MemoryRegistry) Service(_ context.Context, ref Reference) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref.ID]
	if !ok {
		return nil, false
	}
	e.uses++
	return e.service, true
}

// Release ends a use started with Service
func (r *MemoryRegistry) Release(ref Reference) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[ref.ID]; ok && e.uses > 0 {
		e.uses--
	}
}

// UseCount returns the outstanding Service calls for ref
func (r *MemoryRegistry) UseCount(ref Reference) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[ref.ID]; ok {
		return e.uses
	}
	return 0
}

// AddListener registers listener for events matching d
func (r *MemoryRegistry) AddListener(d Descriptor, listener notify.Listener[RegistryEvent]) (ListenerHandle, error) {
	if listener == nil {
		return 0, errors.Invalidf("MemoryRegistry", "AddListener", "listener is nil")
	}
	f, err := d.Compile()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, errors.WrapFatal(errors.ErrRegistryClosed, "MemoryRegistry", "AddListener", "add listener")
	}
	r.nextListener++
	h := r.nextListener
	r.listeners[h] = &listenerEntry{descriptor: d, filter: f, listener: listener}
	return h, nil
}

// RemoveListener removes a listener; unknown handles are ignored
func (r *MemoryRegistry) RemoveListener(h ListenerHandle) {
	r.mu.Lock()
	delete(r.listeners, h)
	r.mu.Unlock()
}

// ListenerCount returns the number of registered listeners
func (r *MemoryRegistry) ListenerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Len returns the number of registrations
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close unregisters everything, notifying listeners, and rejects further
// registrations.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var pending []dispatch
	for id, e := range r.entries {
		pending = append(pending, r.collect(e.snapshot(), EventUnregistering)...)
		delete(r.entries, id)
	}
	r.listeners = make(map[ListenerHandle]*listenerEntry)
	r.mu.Unlock()

	r.metrics.SetRegistrations(r.name, 0)
	r.dispatch(pending)
	return nil
}
