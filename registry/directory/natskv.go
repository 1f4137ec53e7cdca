package directory

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/natsclient"
	"github.com/c360/jflux/registry"
)

// DefaultBucket is the KV bucket used when none is configured
const DefaultBucket = "jflux-services"

// NATSKV is a registry.Directory stored in a JetStream KV bucket
type NATSKV struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
}

var _ registry.Directory = (*NATSKV)(nil)

// NewNATSKV creates or opens bucket. ttl bounds how long an entry survives
// without being rewritten; zero keeps entries until deleted.
func NewNATSKV(ctx context.Context, client *natsclient.Client, bucket string, ttl time.Duration) (*NATSKV, error) {
	if client == nil {
		return nil, errors.Invalidf("NATSKV", "NewNATSKV", "nats client is nil")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "JFlux service directory",
		History:     1,
		TTL:         ttl,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSKV", "NewNATSKV", "open bucket "+bucket)
	}
	return &NATSKV{
		kv:     client.NewKVStore(kv),
		logger: slog.Default().With("component", "directory", "backend", "natskv", "bucket", bucket),
	}, nil
}

// Put implements registry.Directory
func (d *NATSKV) Put(ctx context.Context, entry registry.DirectoryEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	_, err = d.kv.Put(ctx, entry.Key(), data)
	return err
}

// Delete implements registry.Directory. Deleting a missing key is not an error.
func (d *NATSKV) Delete(ctx context.Context, key string) error {
	if err := d.kv.Delete(ctx, key); err != nil && !natsclient.IsKVNotFoundError(err) {
		return err
	}
	return nil
}

// List implements registry.Directory
func (d *NATSKV) List(ctx context.Context) ([]registry.DirectoryEntry, error) {
	keys, err := d.kv.Keys(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]registry.DirectoryEntry, 0, len(keys))
	for _, key := range keys {
		kve, err := d.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, err
		}
		e, err := decodeEntry(kve.Value)
		if err != nil {
			d.logger.Warn("skipping malformed entry", "key", key, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Watch implements registry.Directory. Only changes after the call are
// reported.
func (d *NATSKV) Watch(ctx context.Context) (<-chan registry.DirectoryChange, error) {
	w, err := d.kv.Watch(ctx, ">", jetstream.UpdatesOnly())
	if err != nil {
		return nil, err
	}
	out := make(chan registry.DirectoryChange, 64)
	go func() {
		defer close(out)
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-ctx.Done():
				return
			case kve, ok := <-w.Updates():
				if !ok {
					return
				}
				if kve == nil {
					continue
				}
				ch, ok := d.change(kve)
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

func (d *NATSKV) change(kve jetstream.KeyValueEntry) (registry.DirectoryChange, bool) {
	switch kve.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return registry.DirectoryChange{Op: registry.ChangeDelete, Key: kve.Key()}, true
	default:
		e, err := decodeEntry(kve.Value())
		if err != nil {
			d.logger.Warn("skipping malformed update", "key", kve.Key(), "error", err)
			return registry.DirectoryChange{}, false
		}
		return registry.DirectoryChange{Op: registry.ChangePut, Key: kve.Key(), Entry: e}, true
	}
}

// Close implements registry.Directory. The NATS client is owned by the caller.
func (d *NATSKV) Close() error { return nil }
