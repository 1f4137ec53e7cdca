package registry

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/notify"
)

// stopConcurrency bounds parallel deletes when a registry leaves the directory
const stopConcurrency = 8

// DirectoryEntry is the registration metadata shared between nodes
type DirectoryEntry struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	NodeID     string         `json:"node_id"`
	ClassNames []string       `json:"class_names"`
	Properties map[string]any `json:"properties"`
}

// Key returns the directory key for the entry: <node>.<id>
func (e DirectoryEntry) Key() string { return EntryKey(e.NodeID, e.ID) }

// EntryKey builds a directory key
func EntryKey(nodeID, id string) string { return nodeID + "." + id }

// NodeOfKey returns the node part of a directory key
func NodeOfKey(key string) string {
	node, _, _ := strings.Cut(key, ".")
	return node
}

// ChangeOp is the kind of DirectoryChange
type ChangeOp int

const (
	// ChangePut is an added or replaced entry
	ChangePut ChangeOp = iota
	// ChangeDelete is a removed entry; only Key is set
	ChangeDelete
)

// DirectoryChange is one update observed through Directory.Watch
type DirectoryChange struct {
	Op    ChangeOp
	Key   string
	Entry DirectoryEntry
}

// Directory is a shared key/value store of registration metadata. The
// registry/directory package provides NATS KV, etcd and Redis backends.
type Directory interface {
	Put(ctx context.Context, entry DirectoryEntry) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]DirectoryEntry, error)
	// Watch streams changes until ctx is cancelled, then closes the channel
	Watch(ctx context.Context) (<-chan DirectoryChange, error)
	Close() error
}

// RemoteEndpoint is what Service returns for a registration owned by another
// node. Callers reach the remote service over messaging using these details.
type RemoteEndpoint struct {
	NodeID     string
	ID         string
	ClassNames []string
	Properties map[string]any
}

// DirectoryRegistry is a MemoryRegistry whose registrations are mirrored into
// a shared Directory, and which surfaces other nodes' registrations as remote
// references.
type DirectoryRegistry struct {
	local   *MemoryRegistry
	dir     Directory
	logger  *slog.Logger
	metrics *metric.Metrics
	name    string

	mu        sync.RWMutex
	remote    map[string]Reference // key -> reference
	listeners map[ListenerHandle]*listenerEntry
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ Registry = (*DirectoryRegistry)(nil)

// NewDirectoryRegistry creates a registry mirrored into dir
func NewDirectoryRegistry(dir Directory, opts ...Option) (*DirectoryRegistry, error) {
	if dir == nil {
		return nil, errors.Invalidf("DirectoryRegistry", "NewDirectoryRegistry", "directory is nil")
	}
	o := buildOptions(opts)
	if o.name == "memory" {
		o.name = "directory"
	}
	local := NewMemoryRegistry(WithName(o.name), WithNodeID(o.nodeID), WithLogger(o.logger),
		WithMetrics(o.metrics))
	return &DirectoryRegistry{
		local:     local,
		dir:       dir,
		logger:    o.logger,
		metrics:   o.metrics.CoreMetrics(),
		name:      o.name,
		remote:    make(map[string]Reference),
		listeners: make(map[ListenerHandle]*listenerEntry),
	}, nil
}

// NodeID returns the local node ID
func (r *DirectoryRegistry) NodeID() string { return r.local.NodeID() }

// Local returns the wrapped local registry
func (r *DirectoryRegistry) Local() *MemoryRegistry { return r.local }

// Start loads the current remote entries and follows directory changes
// until Stop.
func (r *DirectoryRegistry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "DirectoryRegistry", "Start", "start directory sync")
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	// watch first so nothing between List and Watch is missed
	changes, err := r.dir.Watch(watchCtx)
	if err != nil {
		r.abortStart()
		return errors.WrapTransient(err, "DirectoryRegistry", "Start", "watch directory")
	}
	entries, err := r.dir.List(ctx)
	if err != nil {
		r.abortStart()
		return errors.WrapTransient(err, "DirectoryRegistry", "Start", "list directory")
	}
	for _, e := range entries {
		r.applyPut(e.Key(), e)
	}

	go r.follow(changes)
	r.logger.Info("directory registry started", "node", r.NodeID(), "remote", len(entries))
	return nil
}

func (r *DirectoryRegistry) abortStart() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	close(r.done)
	r.cancel = nil
	r.mu.Unlock()
}

func (r *DirectoryRegistry) follow(changes <-chan DirectoryChange) {
	defer close(r.done)
	for ch := range changes {
		switch ch.Op {
		case ChangePut:
			r.applyPut(ch.Key, ch.Entry)
		case ChangeDelete:
			r.applyDelete(ch.Key)
		}
	}
}

func remoteReference(e DirectoryEntry) Reference {
	props := copyProps(e.Properties)
	props[PropObjectClass] = e.ClassNames
	props[PropNodeID] = e.NodeID
	return Reference{
		ID:         e.ID,
		Seq:        e.Seq,
		ClassNames: e.ClassNames,
		Properties: props,
		NodeID:     e.NodeID,
		Remote:     true,
	}
}

func (r *DirectoryRegistry) applyPut(key string, e DirectoryEntry) {
	if e.NodeID == "" || e.NodeID == r.NodeID() {
		return
	}
	ref := remoteReference(e)

	r.mu.Lock()
	prev, existed := r.remote[key]
	r.remote[key] = ref
	var pending []dispatch
	if existed {
		for _, l := range r.listeners {
			if ev, ok := transition(l.filter, prev.Properties, ref); ok {
				pending = append(pending, dispatch{l.listener, ev})
			}
		}
	} else {
		pending = r.collectRemote(ref, EventRegistered)
	}
	r.mu.Unlock()

	r.logger.Debug("remote entry updated", "key", key, "replaced", existed, "events", len(pending))
	r.dispatch(pending)
}

func (r *DirectoryRegistry) applyDelete(key string) {
	if NodeOfKey(key) == r.NodeID() {
		return
	}
	r.mu.Lock()
	ref, ok := r.remote[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.remote, key)
	pending := r.collectRemote(ref, EventUnregistering)
	r.mu.Unlock()

	r.logger.Debug("remote entry removed", "key", key)
	r.dispatch(pending)
}

func (r *DirectoryRegistry) collectRemote(ref Reference, t EventType) []dispatch {
	var pending []dispatch
	for _, l := range r.listeners {
		if l.filter.Match(ref.Properties) {
			pending = append(pending, dispatch{l.listener, RegistryEvent{Type: t, Reference: ref}})
		}
	}
	return pending
}

func (r *DirectoryRegistry) dispatch(pending []dispatch) {
	for _, d := range pending {
		r.metrics.RecordRegistryEvent(r.name, d.event.Type.String())
		r.local.safeHandle(d)
	}
}

// Stop stops following the directory and removes this node's entries
func (r *DirectoryRegistry) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	refs, _ := r.local.FindAll(ctx, Descriptor{})
	var g errgroup.Group
	g.SetLimit(stopConcurrency)
	for _, ref := range refs {
		key := EntryKey(r.NodeID(), ref.ID)
		g.Go(func() error { return r.dir.Delete(ctx, key) })
	}
	if err := g.Wait(); err != nil {
		return errors.WrapTransient(err, "DirectoryRegistry", "Stop", "remove local entries")
	}
	return nil
}

func (r *DirectoryRegistry) publish(ctx context.Context, ref Reference) {
	entry := DirectoryEntry{
		ID:         ref.ID,
		Seq:        ref.Seq,
		NodeID:     ref.NodeID,
		ClassNames: ref.ClassNames,
		Properties: ref.Properties,
	}
	if err := r.dir.Put(ctx, entry); err != nil {
		r.logger.Warn("failed to publish registration", "id", ref.ID, "error", err)
	}
}

// Register registers locally and publishes the metadata. A directory failure
// is logged; the local registration stands.
func (r *DirectoryRegistry) Register(ctx context.Context, req RegistrationRequest) (Certificate, error) {
	cert, err := r.local.Register(ctx, req)
	if err != nil {
		return cert, err
	}
	if ref, ok := r.local.Reference(cert); ok {
		r.publish(ctx, ref)
	}
	return cert, nil
}

// Unregister removes a local registration and its directory entry
func (r *DirectoryRegistry) Unregister(ctx context.Context, cert Certificate) error {
	if err := r.local.Unregister(ctx, cert); err != nil {
		return err
	}
	if err := r.dir.Delete(ctx, EntryKey(r.NodeID(), cert.ID)); err != nil {
		r.logger.Warn("failed to remove directory entry", "id", cert.ID, "error", err)
	}
	return nil
}

// Modify changes a local registration and republishes it
func (r *DirectoryRegistry) Modify(ctx context.Context, cert Certificate, mod Modification) error {
	if err := r.local.Modify(ctx, cert, mod); err != nil {
		return err
	}
	if ref, ok := r.local.Reference(cert); ok {
		r.publish(ctx, ref)
	}
	return nil
}

// FindAll returns local and remote matches in preference order
func (r *DirectoryRegistry) FindAll(ctx context.Context, d Descriptor) ([]Reference, error) {
	refs, err := r.local.FindAll(ctx, d)
	if err != nil {
		return nil, err
	}
	f, err := d.Compile()
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	for _, ref := range r.remote {
		if f.Match(ref.Properties) {
			refs = append(refs, ref)
		}
	}
	r.mu.RUnlock()
	SortReferences(refs)
	return refs, nil
}

// FindSingle returns the preferred local or remote match
func (r *DirectoryRegistry) FindSingle(ctx context.Context, d Descriptor) (Reference, bool) {
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

// Service resolves local references to the service and remote references
// to a RemoteEndpoint.
func (r *DirectoryRegistry) Service(ctx context.Context, ref Reference) (any, bool) {
	if !ref.Remote {
		return r.local.Service(ctx, ref)
	}
	r.mu.RLock()
	cur, ok := r.remote[EntryKey(ref.NodeID, ref.ID)]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return RemoteEndpoint{
		NodeID:     cur.NodeID,
		ID:         cur.ID,
		ClassNames: cur.ClassNames,
		Properties: cur.Properties,
	}, true
}

// Release releases a local reference; remote references hold nothing
func (r *DirectoryRegistry) Release(ref Reference) {
	if !ref.Remote {
		r.local.Release(ref)
	}
}

// AddListener listens to local and remote events matching d
func (r *DirectoryRegistry) AddListener(d Descriptor, listener notify.Listener[RegistryEvent]) (ListenerHandle, error) {
	h, err := r.local.AddListener(d, listener)
	if err != nil {
		return 0, err
	}
	f, _ := d.Compile()
	r.mu.Lock()
	r.listeners[h] = &listenerEntry{descriptor: d, filter: f, listener: listener}
	r.mu.Unlock()
	return h, nil
}

// RemoveListener removes a listener
func (r *DirectoryRegistry) RemoveListener(h ListenerHandle) {
	r.local.RemoveListener(h)
	r.mu.Lock()
	delete(r.listeners, h)
	r.mu.Unlock()
}

// RemoteCount returns the number of known remote registrations
func (r *DirectoryRegistry) RemoteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.remote)
}
