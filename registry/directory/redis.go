package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/registry"
)

// RedisConfig configures DialRedis
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// Redis is a registry.Directory kept in a Redis hash. Changes are announced on
// a pub/sub channel next to the hash.
type Redis struct {
	client  redis.UniversalClient
	owned   bool
	hash    string
	channel string
	logger  *slog.Logger
}

var _ registry.Directory = (*Redis)(nil)

// redisChange is the pub/sub payload
type redisChange struct {
	Op    string                   `json:"op"`
	Key   string                   `json:"key"`
	Entry *registry.DirectoryEntry `json:"entry,omitempty"`
}

const (
	redisOpPut    = "put"
	redisOpDelete = "delete"
)

// DialRedis connects to Redis and pings it. The client is closed by Close.
func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.Invalidf("Redis", "DialRedis", "redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WrapTransient(err, "Redis", "DialRedis", "ping "+cfg.Addr)
	}
	d := NewRedis(client, cfg.Prefix)
	d.owned = true
	return d, nil
}

// NewRedis wraps an existing client. The client is owned by the caller.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return &Redis{
		client:  client,
		hash:    prefix + ":entries",
		channel: prefix + ":changes",
		logger:  slog.Default().With("component", "directory", "backend", "redis", "prefix", prefix),
	}
}

func (d *Redis) publish(ctx context.Context, pipe redis.Pipeliner, ch redisChange) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return errors.WrapInvalid(err, "Redis", "publish", "marshal change")
	}
	pipe.Publish(ctx, d.channel, payload)
	return nil
}

// Put implements registry.Directory
func (d *Redis) Put(ctx context.Context, entry registry.DirectoryEntry) error {
	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	key := entry.Key()
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, d.hash, key, data)
		return d.publish(ctx, pipe, redisChange{Op: redisOpPut, Key: key, Entry: &entry})
	})
	if err != nil {
		return errors.WrapTransient(err, "Redis", "Put", "put "+key)
	}
	return nil
}

// Delete implements registry.Directory
func (d *Redis) Delete(ctx context.Context, key string) error {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, d.hash, key)
		return d.publish(ctx, pipe, redisChange{Op: redisOpDelete, Key: key})
	})
	if err != nil {
		return errors.WrapTransient(err, "Redis", "Delete", "delete "+key)
	}
	return nil
}

// List implements registry.Directory
func (d *Redis) List(ctx context.Context) ([]registry.DirectoryEntry, error) {
	all, err := d.client.HGetAll(ctx, d.hash).Result()
	if err != nil {
		return nil, errors.WrapTransient(err, "Redis", "List", "read "+d.hash)
	}
	entries := make([]registry.DirectoryEntry, 0, len(all))
	for key, raw := range all {
		e, err := decodeEntry([]byte(raw))
		if err != nil {
			d.logger.Warn("skipping malformed entry", "key", key, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Watch implements registry.Directory. It returns once the subscription is
// confirmed by the server.
func (d *Redis) Watch(ctx context.Context) (<-chan registry.DirectoryChange, error) {
	sub := d.client.Subscribe(ctx, d.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.WrapTransient(err, "Redis", "Watch", "subscribe "+d.channel)
	}

	out := make(chan registry.DirectoryChange, 64)
	msgs := sub.Channel()
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ch, ok := d.change(msg.Payload)
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

func (d *Redis) change(payload string) (registry.DirectoryChange, bool) {
	var rc redisChange
	if err := json.Unmarshal([]byte(payload), &rc); err != nil {
		d.logger.Warn("skipping malformed change", "error", err)
		return registry.DirectoryChange{}, false
	}
	switch {
	case rc.Op == redisOpDelete:
		return registry.DirectoryChange{Op: registry.ChangeDelete, Key: rc.Key}, true
	case rc.Op == redisOpPut && rc.Entry != nil:
		return registry.DirectoryChange{Op: registry.ChangePut, Key: rc.Key, Entry: *rc.Entry}, true
	default:
		d.logger.Warn("skipping unknown change", "op", rc.Op, "key", rc.Key)
		return registry.DirectoryChange{}, false
	}
}

// Close closes the client when DialRedis created it
func (d *Redis) Close() error {
	if !d.owned {
		return nil
	}
	if err := d.client.Close(); err != nil {
		return errors.Wrap(err, "Redis", "Close", "close client")
	}
	return nil
}
