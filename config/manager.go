package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/jflux/natsclient"
)

// Bucket is the KV bucket shared by the nodes of a robot
const Bucket = "jflux-config"

// versionKey holds the JSON-encoded semantic version of the KV contents
const versionKey = "version"

// sharedSections are the top-level keys synced through KV. Node identity
// stays local to each process.
var sharedSections = []string{"nats", "registry", "messaging", "heartbeat", "metrics", "monitor", "log"}

// Update represents a configuration change notification
type Update struct {
	Path   string  // changed section, e.g. "log"
	Config *Config // full configuration after the change
}

// kvStore is the subset of natsclient.KVStore the manager needs
type kvStore interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Keys(ctx context.Context) ([]string, error)
	Watch(ctx context.Context, pattern string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error)
}

// Manager keeps a node's configuration in sync with the shared KV bucket
type Manager struct {
	config      *SafeConfig
	kv          kvStore
	subscribers map[string][]chan Update
	mu          sync.RWMutex
	logger      *slog.Logger

	watcher    jetstream.KeyWatcher
	shutdownCh chan struct{}
	wg         sync.WaitGroup
	stopped    atomic.Bool
}

// NewManager creates the config bucket if needed and returns a manager
// seeded with cfg
func NewManager(ctx context.Context, cfg *Config, client *natsclient.Client, logger *slog.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("nats client cannot be nil")
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      Bucket,
		Description: "JFlux runtime configuration",
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("create/get KV bucket: %w", err)
	}
	return newManager(cfg, client.NewKVStore(bucket), logger), nil
}

func newManager(cfg *Config, kv kvStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:      NewSafeConfig(cfg),
		kv:          kv,
		subscribers: make(map[string][]chan Update),
		logger:      logger.With("component", "config-manager"),
	}
}

// GetConfig returns the current configuration
func (cm *Manager) GetConfig() *SafeConfig {
	return cm.config
}

// OnChange subscribes to changes of sections matching pattern ("log",
// "registry" or "*"). The current configuration is sent immediately.
func (cm *Manager) OnChange(pattern string) <-chan Update {
	ch := make(chan Update, 1)

	cm.mu.Lock()
	cm.subscribers[pattern] = append(cm.subscribers[pattern], ch)
	cm.mu.Unlock()

	select {
	case ch <- Update{Path: pattern, Config: cm.config.Get()}:
	default:
	}
	return ch
}

// Start reconciles file and KV configuration by version, then watches for
// updates. A newer file version is pushed; otherwise KV wins.
func (cm *Manager) Start(ctx context.Context) error {
	cm.shutdownCh = make(chan struct{})

	if err := cm.reconcile(ctx); err != nil {
		cm.logger.Warn("Config reconcile failed, continuing with local config", "error", err)
	}

	watcher, err := cm.kv.Watch(ctx, ">", jetstream.UpdatesOnly())
	if err != nil {
		return fmt.Errorf("watch config bucket: %w", err)
	}
	cm.watcher = watcher

	cm.wg.Add(1)
	go cm.processWatcher(ctx, watcher)
	return nil
}

func (cm *Manager) reconcile(ctx context.Context) error {
	keys, err := cm.kv.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		cm.logger.Info("Config bucket empty, pushing local config")
		return cm.PushToKV(ctx)
	}

	fileVersion := cm.config.Get().Version
	kvVersion := cm.kvVersion(ctx)
	cmp, err := CompareVersions(fileVersion, kvVersion)
	if err != nil {
		cm.logger.Warn("Cannot compare versions, using KV config",
			"file_version", fileVersion, "kv_version", kvVersion, "error", err)
		return cm.syncFromKV(ctx)
	}

	switch {
	case cmp > 0:
		cm.logger.Info("File config newer than KV, pushing",
			"file_version", fileVersion, "kv_version", kvVersion)
		return cm.PushToKV(ctx)
	case cmp < 0:
		cm.logger.Warn("File config older than KV, using KV config",
			"file_version", fileVersion, "kv_version", kvVersion,
			"hint", "bump file version to update KV")
	}
	return cm.syncFromKV(ctx)
}

// Stop stops the watcher and closes every subscriber channel
func (cm *Manager) Stop(timeout time.Duration) error {
	if !cm.stopped.CompareAndSwap(false, true) {
		return nil
	}

	if cm.shutdownCh != nil {
		close(cm.shutdownCh)
	}
	if cm.watcher != nil {
		_ = cm.watcher.Stop()
	}

	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		cm.logger.Warn("Config manager shutdown timeout", "timeout", timeout)
	}

	cm.mu.Lock()
	for _, channels := range cm.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	cm.subscribers = make(map[string][]chan Update)
	cm.mu.Unlock()
	return nil
}

func (cm *Manager) processWatcher(ctx context.Context, watcher jetstream.KeyWatcher) {
	defer cm.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cm.shutdownCh:
			return
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			if entry != nil && entry.Operation() == jetstream.KeyValuePut {
				cm.handleUpdate(entry.Key(), entry.Value())
			}
		}
	}
}

func (cm *Manager) handleUpdate(key string, value []byte) {
	if cm.stopped.Load() || key == versionKey {
		return
	}
	if err := cm.applySection(key, value); err != nil {
		cm.logger.Error("Failed to apply config update", "key", key, "error", err)
		return
	}
	cm.notify(key)
}

func (cm *Manager) notify(key string) {
	update := Update{Path: key, Config: cm.config.Get()}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for pattern, channels := range cm.subscribers {
		if !matchesPattern(key, pattern) {
			continue
		}
		for _, ch := range channels {
			if cm.stopped.Load() {
				return
			}
			select {
			case ch <- update:
			default:
			}
		}
	}
}

// matchesPattern supports exact keys, "*" and trailing-star prefixes
func matchesPattern(key, pattern string) bool {
	if pattern == "*" || pattern == key {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(key, prefix)
	}
	return false
}

// applySection replaces one shared section and validates the result
func (cm *Manager) applySection(key string, value []byte) error {
	if !isSharedSection(key) {
		return fmt.Errorf("unknown config section %q", key)
	}
	if len(value) > maxConfigSize {
		return fmt.Errorf("config value too large: %d bytes > %d", len(value), maxConfigSize)
	}
	if err := validateJSONDepth(value); err != nil {
		return fmt.Errorf("invalid JSON structure in KV update: %w", err)
	}

	var section any
	if err := json.Unmarshal(value, &section); err != nil {
		return fmt.Errorf("parse section %s: %w", key, err)
	}
	sectionMap, ok := section.(map[string]any)
	if !ok {
		return fmt.Errorf("section %s must be an object", key)
	}

	merged, err := mergeFromMap(cm.config.Get(), map[string]any{key: sectionMap})
	if err != nil {
		return err
	}
	return cm.config.Update(merged)
}

func isSharedSection(key string) bool {
	for _, s := range sharedSections {
		if s == key {
			return true
		}
	}
	return false
}

// PushToKV writes the version and every shared section to KV
func (cm *Manager) PushToKV(ctx context.Context) error {
	cfg := cm.config.Get()

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil {
		return fmt.Errorf("split config: %w", err)
	}

	for _, name := range sharedSections {
		if _, err := cm.kv.Put(ctx, name, sections[name]); err != nil {
			return fmt.Errorf("push %s: %w", name, err)
		}
	}

	if cfg.Version != "" {
		if _, err := cm.kv.Put(ctx, versionKey, sections[versionKey]); err != nil {
			return fmt.Errorf("push version: %w", err)
		}
	}
	cm.logger.Info("Pushed config to KV", "version", cfg.Version)
	return nil
}

// kvVersion returns the version stored in KV, "0.0.0" when absent
func (cm *Manager) kvVersion(ctx context.Context) string {
	entry, err := cm.kv.Get(ctx, versionKey)
	if err != nil {
		return "0.0.0"
	}
	var version string
	if err := json.Unmarshal(entry.Value, &version); err != nil {
		cm.logger.Warn("Failed to parse version from KV, treating as 0.0.0", "error", err)
		return "0.0.0"
	}
	return version
}

// syncFromKV applies every shared section found in KV
func (cm *Manager) syncFromKV(ctx context.Context) error {
	applied := 0
	for _, name := range sharedSections {
		entry, err := cm.kv.Get(ctx, name)
		if err != nil {
			if !natsclient.IsKVNotFoundError(err) {
				cm.logger.Warn("Failed to read config section", "key", name, "error", err)
			}
			continue
		}
		if err := cm.applySection(name, entry.Value); err != nil {
			cm.logger.Warn("Failed to apply config section", "key", name, "error", err)
			continue
		}
		applied++
	}
	cm.logger.Info("Synced configuration from KV", "sections", applied)
	return nil
}
