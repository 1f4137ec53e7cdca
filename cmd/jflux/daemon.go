package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/c360/jflux/config"
	"github.com/c360/jflux/health"
	"github.com/c360/jflux/lifecycle"
	"github.com/c360/jflux/messaging"
	"github.com/c360/jflux/metric"
	"github.com/c360/jflux/monitor"
	"github.com/c360/jflux/natsclient"
	"github.com/c360/jflux/node"
	"github.com/c360/jflux/registry"
	"github.com/c360/jflux/registry/directory"
)

// closer is one shutdown step, run in reverse setup order
type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// daemon owns everything a running node holds open
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	levelVar       *slog.LevelVar
	followLogLevel bool

	metrics       *metric.MetricsRegistry
	nats          *natsclient.Client
	configManager *config.Manager
	registry      registry.Registry
	services      *lifecycle.ManagedServiceGroup
	health        *health.Monitor
	metricsServer *metric.Server
	monitor       *monitor.Server

	closers []closer
}

func newDaemon(cfg *config.Config, logger *slog.Logger) *daemon {
	return &daemon{
		cfg:      cfg,
		logger:   logger,
		levelVar: new(slog.LevelVar),
		metrics:  metric.NewMetricsRegistry(),
		health:   health.NewMonitor(),
	}
}

func (d *daemon) onShutdown(name string, fn func(ctx context.Context) error) {
	d.closers = append(d.closers, closer{name: name, fn: fn})
}

// setup brings the node up. Whatever was started before a failure is
// registered for shutdown.
func (d *daemon) setup(ctx context.Context) error {
	if err := d.connectToNATS(ctx); err != nil {
		return err
	}
	if err := d.setupConfigManager(ctx); err != nil {
		return err
	}
	if err := d.setupRegistry(ctx); err != nil {
		return err
	}
	if err := d.registerConnection(ctx); err != nil {
		return err
	}
	if err := d.setupServices(ctx); err != nil {
		return err
	}
	if err := d.setupMetricsServer(); err != nil {
		return err
	}
	return d.setupMonitor()
}

// connectToNATS connects with the broker settings of the configuration and
// waits for the connection to be ready
func (d *daemon) connectToNATS(ctx context.Context) error {
	url, err := d.cfg.ConnectionURL()
	if err != nil {
		return fmt.Errorf("connection url: %w", err)
	}

	opts := []natsclient.ClientOption{
		natsclient.WithLogger(d.logger.With("component", "natsclient")),
		natsclient.WithMetrics(d.metrics),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			d.logger.Info("NATS connectivity changed", "healthy", healthy)
		}),
	}
	if url.ClientID == "" {
		opts = append(opts, natsclient.WithName(appName+"-"+d.cfg.Node.ID))
	}
	if d.cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(d.cfg.NATS.Token))
	}
	if tls := d.cfg.NATS.TLS; tls.Enabled {
		opts = append(opts, natsclient.WithTLS(tls.CertFile, tls.KeyFile, tls.CAFile))
	}

	d.logger.Info("Connecting to NATS", "servers", url.ServerURL())
	client, err := messaging.Connect(ctx, url, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	d.nats = client
	d.onShutdown("nats", client.Close)

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}

	d.health.AddProbe("nats", func() health.Status {
		if client.IsHealthy() {
			return health.NewHealthy("nats", "Connected")
		}
		return health.NewUnhealthy("nats", "Connection "+client.Status().String())
	})
	return nil
}

// setupConfigManager shares the configuration through NATS KV and follows
// runtime changes to the log level
func (d *daemon) setupConfigManager(ctx context.Context) error {
	cm, err := config.NewManager(ctx, d.cfg, d.nats, d.logger)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := cm.Start(ctx); err != nil {
		return fmt.Errorf("start config manager: %w", err)
	}
	d.configManager = cm
	d.onShutdown("config manager", func(context.Context) error {
		return cm.Stop(5 * time.Second)
	})

	if d.followLogLevel {
		updates := cm.OnChange("log")
		go func() {
			for u := range updates {
				level := parseLevel(u.Config.Log.Level)
				if level != d.levelVar.Level() {
					d.logger.Info("Log level changed", "level", level.String())
					d.levelVar.Set(level)
				}
			}
		}()
	}
	return nil
}

// setupRegistry creates the local registry, or the directory-backed one
// when a shared backend is configured
func (d *daemon) setupRegistry(ctx context.Context) error {
	regOpts := []registry.Option{
		registry.WithNodeID(d.cfg.Node.ID),
		registry.WithLogger(d.logger.With("component", "registry")),
		registry.WithMetrics(d.metrics),
	}

	if d.cfg.Registry.Backend == config.BackendMemory || d.cfg.Registry.Backend == "" {
		mem := registry.NewMemoryRegistry(append(regOpts, registry.WithName("local"))...)
		d.registry = mem
		d.onShutdown("registry", func(context.Context) error { return mem.Close() })
		d.logger.Info("Registry ready", "backend", config.BackendMemory)
		return nil
	}

	dir, err := directory.Open(ctx, d.cfg.DirectoryConfig(), d.nats)
	if err != nil {
		return fmt.Errorf("open %s directory: %w", d.cfg.Registry.Backend, err)
	}
	d.onShutdown("directory", func(context.Context) error { return dir.Close() })

	reg, err := registry.NewDirectoryRegistry(dir, append(regOpts, registry.WithName(d.cfg.Registry.Backend))...)
	if err != nil {
		return err
	}
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("start directory registry: %w", err)
	}
	d.registry = reg
	d.onShutdown("registry", reg.Stop)
	d.logger.Info("Registry ready", "backend", d.cfg.Registry.Backend, "remote", reg.RemoteCount())
	return nil
}

// registerConnection offers the bus connection as a service, so pipelines
// bind to it like to any other dependency
func (d *daemon) registerConnection(ctx context.Context) error {
	props := map[string]any{
		"node":   d.cfg.Node.ID,
		"server": d.nats.URL(),
	}
	if d.cfg.Node.Robot != "" {
		props["robot"] = d.cfg.Node.Robot
	}
	cert, err := d.registry.Register(ctx, registry.RegistrationRequest{
		ClassNames: []string{connectionClass},
		Service:    d.nats,
		Properties: props,
	})
	if err != nil {
		return fmt.Errorf("register connection: %w", err)
	}
	d.onShutdown("connection registration", func(ctx context.Context) error {
		return d.registry.Unregister(ctx, cert)
	})
	return nil
}

// setupServices starts the managed services and watches their health
func (d *daemon) setupServices(ctx context.Context) error {
	d.services = lifecycle.NewManagedServiceGroup(appName)

	if d.cfg.Heartbeat.Enabled {
		hb, err := newHeartbeatService(d.cfg, d.registry, d.metrics, d.logger)
		if err != nil {
			return fmt.Errorf("create heartbeat: %w", err)
		}
		if err := d.services.Add(ctx, hb); err != nil {
			return err
		}
		d.health.WatchService(hb)
		d.health.AddProbe("heartbeat-chain", func() health.Status {
			chain, ok := hb.Service()
			if !ok || node.IsNil(chain) {
				return health.NewDegraded("heartbeat-chain", "Not created")
			}
			return health.FromPlayState("heartbeat-chain", chain.PlayState(), nil)
		})
	}

	if err := d.services.Start(ctx, d.registry); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	group := d.services
	d.onShutdown("services", func(ctx context.Context) error {
		var errs []error
		services := group.Services()
		errs = append(errs, group.Stop(ctx))
		for _, svc := range slices.Backward(services) {
			errs = append(errs, svc.Dispose(ctx))
		}
		return errors.Join(errs...)
	})
	return nil
}

func (d *daemon) healthCheck() (bool, string) {
	return d.health.Check(appName)
}

func (d *daemon) setupMetricsServer() error {
	if !d.cfg.Metrics.Enabled {
		return nil
	}
	srv := metric.NewServer(d.cfg.Metrics.Port, d.cfg.Metrics.Path, d.metrics, d.healthCheck)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	d.metricsServer = srv
	d.onShutdown("metrics server", func(context.Context) error { return srv.Stop() })
	d.logger.Info("Metrics server started", "address", srv.Address())
	return nil
}

func (d *daemon) setupMonitor() error {
	if !d.cfg.Monitor.Enabled {
		return nil
	}
	srv, err := monitor.New(d.registry,
		monitor.WithLogger(d.logger.With("component", "monitor")),
		monitor.WithHealth(d.health, appName),
		monitor.WithMetrics(d.metrics),
	)
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}
	if err := srv.Start(d.cfg.Monitor.Addr); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}
	d.monitor = srv
	d.onShutdown("monitor", srv.Stop)
	return nil
}

// shutdown runs the registered steps in reverse order within timeout.
// Every step runs; failures are joined.
func (d *daemon) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, c := range slices.Backward(d.closers) {
		if err := c.fn(ctx); err != nil {
			d.logger.Warn("Shutdown step failed", "step", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
