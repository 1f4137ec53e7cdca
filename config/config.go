package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/c360/jflux/avro"
	"github.com/c360/jflux/messaging"
	"github.com/c360/jflux/registry/directory"
)

// Registry backends. BackendMemory keeps registrations in process; the others
// share them through a directory.
const (
	BackendMemory = "memory"
	BackendNATS   = directory.BackendNATS
	BackendEtcd   = directory.BackendEtcd
	BackendRedis  = directory.BackendRedis
)

// Config is the configuration of one JFlux node
type Config struct {
	Version   string          `json:"version" yaml:"version"` // Semantic version, decides KV sync direction
	Node      NodeConfig      `json:"node" yaml:"node"`
	NATS      NATSConfig      `json:"nats" yaml:"nats"`
	Registry  RegistryConfig  `json:"registry" yaml:"registry"`
	Messaging MessagingConfig `json:"messaging" yaml:"messaging"`
	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Monitor   MonitorConfig   `json:"monitor" yaml:"monitor"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// NodeConfig identifies the node
type NodeConfig struct {
	ID     string            `json:"id" yaml:"id"`
	Robot  string            `json:"robot,omitempty" yaml:"robot,omitempty"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty" yaml:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

// RegistryConfig selects where service registrations live
type RegistryConfig struct {
	Backend   string           `json:"backend" yaml:"backend"`
	Directory directory.Config `json:"directory,omitempty" yaml:"directory,omitempty"`
}

// MessagingConfig configures the message transport. URL, when set, is an
// AMQP connection URL and takes precedence over NATS.URLs.
type MessagingConfig struct {
	URL            string        `json:"url,omitempty" yaml:"url,omitempty"`
	Mode           string        `json:"mode" yaml:"mode"` // binary or json
	ReceiveTimeout time.Duration `json:"receive_timeout,omitempty" yaml:"receive_timeout,omitempty"`
	SubjectPrefix  string        `json:"subject_prefix,omitempty" yaml:"subject_prefix,omitempty"`
}

// HeartbeatConfig configures the node heartbeat
type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"` // duration or cron spec
	Subject  string `json:"subject,omitempty" yaml:"subject,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// MonitorConfig configures the HTTP/WebSocket monitor
type MonitorConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // text or json
}

// Defaults returns the configuration every loaded layer is merged onto
func Defaults() *Config {
	return &Config{
		Version: "1.0.0",
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Registry: RegistryConfig{
			Backend: BackendMemory,
			Directory: directory.Config{
				Bucket: directory.DefaultBucket,
				TTL:    time.Minute,
			},
		},
		Messaging: MessagingConfig{
			Mode:           avro.Binary.String(),
			ReceiveTimeout: messaging.DefaultReceiveTimeout,
			SubjectPrefix:  "jflux",
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Schedule: "5s",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Monitor: MonitorConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks struct rules first and then the JSON schema
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return errors.New("node.id is required")
	}
	if !isValidSubjectToken(c.Node.ID) {
		return fmt.Errorf("node.id '%s' is not valid for NATS subjects and directory keys "+
			"(must be alphanumeric with dashes and underscores)", c.Node.ID)
	}
	if c.Version != "" {
		if _, _, _, err := parseSemVer(c.Version); err != nil {
			return fmt.Errorf("version: %w", err)
		}
	}
	if c.Messaging.URL != "" {
		if _, err := messaging.ParseConnectionURL(c.Messaging.URL); err != nil {
			return fmt.Errorf("messaging.url: %w", err)
		}
	} else if len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls or messaging.url is required")
	}
	if _, err := avro.ParseMode(c.Messaging.Mode); err != nil {
		return fmt.Errorf("messaging.mode: %w", err)
	}
	if c.NATS.TLS.Enabled && (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
		return errors.New("nats.tls.cert_file and nats.tls.key_file must be set together")
	}
	if c.Registry.Backend == BackendEtcd && len(c.Registry.Directory.EtcdEndpoints) == 0 {
		return errors.New("registry.directory.etcd_endpoints is required for the etcd backend")
	}
	if c.Registry.Backend == BackendRedis && c.Registry.Directory.RedisAddr == "" {
		return errors.New("registry.directory.redis_addr is required for the redis backend")
	}
	return validateSchema(c)
}

// isValidSubjectToken reports whether s can be used as a single NATS
// subject token and KV key segment
func isValidSubjectToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// Subject joins parts under the messaging subject prefix
func (c *Config) Subject(parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if c.Messaging.SubjectPrefix != "" {
		all = append(all, c.Messaging.SubjectPrefix)
	}
	return strings.Join(append(all, parts...), ".")
}

// DirectoryConfig returns the directory configuration with the backend set
func (c *Config) DirectoryConfig() directory.Config {
	d := c.Registry.Directory
	d.Backend = c.Registry.Backend
	return d
}

// ConnectionURL returns the transport URL: messaging.url when set, else one
// built from the nats section.
func (c *Config) ConnectionURL() (messaging.ConnectionURL, error) {
	if c.Messaging.URL != "" {
		return messaging.ParseConnectionURL(c.Messaging.URL)
	}
	u := messaging.ConnectionURL{
		Username:     c.NATS.Username,
		Password:     c.NATS.Password,
		ClientID:     c.Node.ID,
		ConnectDelay: c.NATS.ReconnectWait,
		Retries:      c.NATS.MaxReconnects,
	}
	if u.Retries < 0 {
		u.Retries = 1<<31 - 1
	}
	for _, raw := range c.NATS.URLs {
		u.Brokers = append(u.Brokers, "tcp://"+strings.TrimPrefix(strings.TrimPrefix(raw, "nats://"), "tls://"))
	}
	return u, nil
}

// SaveToFile saves the configuration as JSON or YAML by file extension
func (c *Config) SaveToFile(path string) error {
	data, err := marshalFor(path, c)
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	if masked.Registry.Directory.Password != "" {
		masked.Registry.Directory.Password = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// CompareVersions compares two semver version strings
// Returns:
//
//	-1 if v1 < v2
//	 0 if v1 == v2
//	 1 if v1 > v2
//	error if either version is invalid
func CompareVersions(v1, v2 string) (int, error) {
	a1, b1, c1, err := parseSemVer(v1)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v1, err)
	}
	a2, b2, c2, err := parseSemVer(v2)
	if err != nil {
		return 0, fmt.Errorf("invalid version '%s': %w", v2, err)
	}
	for _, pair := range [][2]int{{a1, a2}, {b1, b2}, {c1, c2}} {
		switch {
		case pair[0] > pair[1]:
			return 1, nil
		case pair[0] < pair[1]:
			return -1, nil
		}
	}
	return 0, nil
}

// parseSemVer parses a semantic version string (e.g., "1.2.3")
func parseSemVer(version string) (int, int, int, error) {
	if version == "" {
		return 0, 0, 0, errors.New("version cannot be empty")
	}
	version = strings.TrimPrefix(version, "v")
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("version must be in format 'major.minor.patch', got '%s'", version)
	}
	var nums [3]int
	for i, name := range []string{"major", "minor", "patch"} {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("invalid %s version '%s'", name, parts[i])
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
