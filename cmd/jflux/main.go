// Package main runs a JFlux node. The node connects to the message bus,
// hosts a service registry, publishes its heartbeat, and serves metrics and
// the registry monitor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/jflux/config"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "jflux"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(firstSet(cliCfg.LogLevel, "info")))
	logger := setupLogger(os.Stdout, levelVar, firstSet(cliCfg.LogFormat, "text"))
	slog.SetDefault(logger)

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	// the configuration may choose a different format than the bootstrap logger
	if cliCfg.LogFormat == "" && cfg.Log.Format != "" {
		logger = setupLogger(os.Stdout, levelVar, cfg.Log.Format)
		slog.SetDefault(logger)
	}
	if cliCfg.LogLevel == "" {
		levelVar.Set(parseLevel(cfg.Log.Level))
	}

	logger.Info("Starting JFlux node",
		"version", Version,
		"build_time", BuildTime,
		"node", cfg.Node.ID,
		"config_paths", cliCfg.ConfigPaths)

	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := newDaemon(cfg, logger)
	d.followLogLevel = cliCfg.LogLevel == ""
	d.levelVar = levelVar

	if err := d.setup(ctx); err != nil {
		shutdownErr := d.shutdown(cliCfg.ShutdownTimeout)
		return errors.Join(err, shutdownErr)
	}

	logger.Info("JFlux node running", "node", cfg.Node.ID)
	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping")

	if err := d.shutdown(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("JFlux node stopped")
	return nil
}

// initializeCLI parses and validates flags. shouldExit is set after
// --version and --help.
func initializeCLI(args []string) (*CLIConfig, bool, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s (build %s)\n", appName, Version, BuildTime)
		return nil, true, nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil, true, nil
	}
	return cliCfg, false, nil
}

// initializeConfiguration layers every --config file over the defaults,
// applies JFLUX_* overrides and validates the result
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range cliCfg.ConfigPaths {
		loader.AddLayer(p)
	}
	loader.EnableValidation(cliCfg.NodeID == "")

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.NodeID != "" {
		cfg.Node.ID = cliCfg.NodeID
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}
