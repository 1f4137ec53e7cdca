// Package config loads and distributes JFlux node configuration.
//
// # Core Components
//
// Config: node identity, NATS connection, registry directory, messaging,
// heartbeat, metrics and monitor settings.
//
// SafeConfig: thread-safe wrapper that hands out deep copies.
//
// Loader: merges defaults, JSON or YAML file layers and JFLUX_* environment
// overrides, then validates the result with struct rules and a JSON schema.
//
// Manager: keeps the configuration in a NATS KV bucket so that every node
// of a robot sees runtime changes. Node identity is never shared. Updates
// are delivered on channels.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/robot01.json") // overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Durations may be written as Go duration strings ("5s") or with a day
// suffix ("14d"). Environment overrides:
//
//	JFLUX_NODE_ID, JFLUX_NATS_URLS (comma separated), JFLUX_NATS_USERNAME,
//	JFLUX_NATS_PASSWORD, JFLUX_NATS_TOKEN, JFLUX_REGISTRY_BACKEND,
//	JFLUX_MESSAGING_URL, JFLUX_LOG_LEVEL
//
// # Dynamic Configuration
//
//	cm, err := config.NewManager(ctx, cfg, natsClient, logger)
//	if err != nil {
//		return err
//	}
//	if err := cm.Start(ctx); err != nil {
//		return err
//	}
//	defer cm.Stop(5 * time.Second)
//
//	for update := range cm.OnChange("log") {
//		applyLogLevel(update.Config.Log.Level)
//	}
package config
