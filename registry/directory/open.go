package directory

import (
	"context"
	"time"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/natsclient"
	"github.com/c360/jflux/registry"
)

// Backend names accepted by Open
const (
	BackendNATS  = "nats"
	BackendEtcd  = "etcd"
	BackendRedis = "redis"
)

// Config selects and configures a directory backend
type Config struct {
	Backend string        `json:"backend" yaml:"backend"`
	Bucket  string        `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Prefix  string        `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	TTL     time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`

	EtcdEndpoints []string `json:"etcd_endpoints,omitempty" yaml:"etcd_endpoints,omitempty"`
	RedisAddr     string   `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
}

// Open creates the configured backend. nc is required for the NATS backend.
func Open(ctx context.Context, cfg Config, nc *natsclient.Client) (registry.Directory, error) {
	var (
		dir registry.Directory
		err error
	)
	switch cfg.Backend {
	case BackendNATS, "":
		dir, err = NewNATSKV(ctx, nc, cfg.Bucket, cfg.TTL)
	case BackendEtcd:
		dir, err = DialEtcd(EtcdConfig{
			Endpoints: cfg.EtcdEndpoints,
			Username:  cfg.Username,
			Password:  cfg.Password,
			Prefix:    cfg.Prefix,
			TTL:       cfg.TTL,
		})
	case BackendRedis:
		dir, err = DialRedis(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Username: cfg.Username,
			Password: cfg.Password,
			Prefix:   cfg.Prefix,
		})
	default:
		return nil, errors.Invalidf("directory", "Open", "unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return dir, nil
}
