package directory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/registry"
)

// DefaultPrefix is the key prefix used by the etcd and Redis backends
const DefaultPrefix = "/jflux/services/"

// EtcdConfig configures DialEtcd
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	Prefix      string
	// TTL binds entries to a lease kept alive while the directory is open.
	// Zero stores entries without a lease.
	TTL time.Duration
}

// Validate checks the configuration
func (c EtcdConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.Invalidf("EtcdConfig", "Validate", "etcd endpoints are required")
	}
	if c.DialTimeout < 0 {
		return errors.Invalidf("EtcdConfig", "Validate", "dial timeout must not be negative")
	}
	if c.TTL > 0 && c.TTL < time.Second {
		return errors.Invalidf("EtcdConfig", "Validate", "lease TTL must be at least 1s, got %v", c.TTL)
	}
	return nil
}

// Etcd is a registry.Directory stored under a key prefix in etcd
type Etcd struct {
	client *clientv3.Client
	owned  bool
	prefix string
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	lease   clientv3.LeaseID
	keepCtx context.CancelFunc
}

var _ registry.Directory = (*Etcd)(nil)

// DialEtcd connects to etcd. The client is closed by Close.
func DialEtcd(cfg EtcdConfig) (*Etcd, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	config := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
	}
	if cfg.Username != "" {
		config.Username = cfg.Username
		config.Password = cfg.Password
	}
	client, err := clientv3.New(config)
	if err != nil {
		return nil, errors.WrapTransient(err, "Etcd", "DialEtcd", "create etcd client")
	}
	d := NewEtcd(client, cfg.Prefix, cfg.TTL)
	d.owned = true
	return d, nil
}

// NewEtcd wraps an existing client. The client is owned by the caller.
func NewEtcd(client *clientv3.Client, prefix string, ttl time.Duration) *Etcd {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Etcd{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: slog.Default().With("component", "directory", "backend", "etcd", "prefix", prefix),
	}
}

// Prefix returns the key prefix
func (d *Etcd) Prefix() string { return d.prefix }

// leaseID grants the lease on first use and keeps it alive until Close
func (d *Etcd) leaseID(ctx context.Context) (clientv3.LeaseID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lease != clientv3.NoLease {
		return d.lease, nil
	}

	grant, err := d.client.Grant(ctx, int64(d.ttl/time.Second))
	if err != nil {
		return clientv3.NoLease, errors.WrapTransient(err, "Etcd", "Put", "grant lease")
	}
	keepCtx, cancel := context.WithCancel(context.Background())
	alive, err := d.client.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		cancel()
		return clientv3.NoLease, errors.WrapTransient(err, "Etcd", "Put", "keep lease alive")
	}
	go func() {
		for range alive { // drain keepalive responses
		}
		d.logger.Debug("lease keepalive ended", "lease", grant.ID)
	}()

	d.lease = grant.ID
	d.keepCtx = cancel
	return d.lease, nil
}

// Put implements registry.Directory
func (d *Etcd) Put(ctx context.Context, entry registry.DirectoryEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	var opts []clientv3.OpOption
	if d.ttl > 0 {
		id, err := d.leaseID(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, clientv3.WithLease(id))
	}
	if _, err := d.client.Put(ctx, d.prefix+entry.Key(), string(data), opts...); err != nil {
		return errors.WrapTransient(err, "Etcd", "Put", "put "+entry.Key())
	}
	return nil
}

// Delete implements registry.Directory
func (d *Etcd) Delete(ctx context.Context, key string) error {
	if _, err := d.client.Delete(ctx, d.prefix+key); err != nil {
		return errors.WrapTransient(err, "Etcd", "Delete", "delete "+key)
	}
	return nil
}

// List implements registry.Directory
func (d *Etcd) List(ctx context.Context) ([]registry.DirectoryEntry, error) {
	resp, err := d.client.Get(ctx, d.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.WrapTransient(err, "Etcd", "List", "get prefix")
	}
	entries := make([]registry.DirectoryEntry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		e, err := decodeEntry(kv.Value)
		if err != nil {
			d.logger.Warn("skipping malformed entry", "key", string(kv.Key), "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Watch implements registry.Directory
func (d *Etcd) Watch(ctx context.Context) (<-chan registry.DirectoryChange, error) {
	wch := d.client.Watch(clientv3.WithRequireLeader(ctx), d.prefix, clientv3.WithPrefix())
	out := make(chan registry.DirectoryChange, 64)
	go func() {
		defer close(out)
		for resp := range wch {
			if err := resp.Err(); err != nil {
				d.logger.Warn("etcd watch error", "error", err)
				if resp.Canceled {
					return
				}
				continue
			}
			for _, ev := range resp.Events {
				ch, ok := d.change(ev)
				if !ok {
					continue
				}
				select {
				case out <- ch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (d *Etcd) change(ev *clientv3.Event) (registry.DirectoryChange, bool) {
	key := strings.TrimPrefix(string(ev.Kv.Key), d.prefix)
	if ev.Type == clientv3.EventTypeDelete {
		return registry.DirectoryChange{Op: registry.ChangeDelete, Key: key}, true
	}
	e, err := decodeEntry(ev.Kv.Value)
	if err != nil {
		d.logger.Warn("skipping malformed update", "key", key, "error", err)
		return registry.DirectoryChange{}, false
	}
	return registry.DirectoryChange{Op: registry.ChangePut, Key: key, Entry: e}, true
}

// Close revokes the lease, which removes leased entries, and closes the
// client when DialEtcd created it.
func (d *Etcd) Close() error {
	d.mu.Lock()
	lease, cancel := d.lease, d.keepCtx
	d.lease, d.keepCtx = clientv3.NoLease, nil
	d.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if lease != clientv3.NoLease {
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		if _, err := d.client.Revoke(ctx, lease); err != nil {
			errs = append(errs, errors.WrapTransient(err, "Etcd", "Close", "revoke lease"))
		}
		done()
	}
	if d.owned {
		if err := d.client.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "Etcd", "Close", "close client"))
		}
	}
	return errors.Join(errs...)
}
