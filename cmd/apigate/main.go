// Package main implements the entry point for the apigate bridge daemon.
// apigate bridges NMEA/AIS telemetry sources (serial devices or remote TCP
// endpoints) to TCP consumers, running many independent bridge instances
// concurrently and re-exposing each stream on an auto-provisioned port.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/IdeaQru/apigate-sub000/config"
	"github.com/IdeaQru/apigate-sub000/metric"
	"github.com/IdeaQru/apigate-sub000/orchestrator"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "apigate"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Run application with proper error handling
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	// Parse and validate CLI flags
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	// Load daemon settings and the bridge record store
	settings, store, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	// Setup metrics
	metricsRegistry := metric.NewMetricsRegistry()
	metricsServer, err := setupMetricsServer(cliCfg, metricsRegistry, logger)
	if err != nil {
		return err
	}
	if metricsServer != nil {
		defer func() {
			if err := metricsServer.Stop(5 * time.Second); err != nil {
				slog.Warn("Error stopping metrics server", "error", err)
			}
		}()
	}

	// Create and start the orchestrator
	orch := orchestrator.New(orchestrator.Deps{
		Store:    store,
		Settings: settings,
		Logger:   logger,
		Registry: metricsRegistry,
	})
	if err := orch.Start(); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	if cliCfg.AutoStart {
		autoStartInstances(store, orch)
	}

	// Run until a shutdown signal arrives
	return runWithSignalHandling(orch, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting apigate (NMEA/AIS telemetry bridge)",
		"version", Version,
		"build_time", BuildTime,
		"config_dir", cliCfg.ConfigDir,
		"settings_path", cliCfg.SettingsPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads daemon settings and opens the record store
func initializeConfiguration(cliCfg *CLIConfig) (config.Settings, config.Store, error) {
	settings, err := config.LoadSettings(cliCfg.SettingsPath)
	if err != nil {
		return settings, nil, fmt.Errorf("load settings: %w", err)
	}

	store := config.NewCSVStore(cliCfg.ConfigDir)

	// Read both record files once so bad files surface at startup, not on
	// the first reconcile cycle.
	serials, err := store.GetSerialConfigs()
	if err != nil {
		return settings, nil, fmt.Errorf("read serial records: %w", err)
	}
	ips, err := store.GetIPConfigs()
	if err != nil {
		return settings, nil, fmt.Errorf("read ip records: %w", err)
	}
	slog.Info("Bridge records loaded", "serial", len(serials), "ip", len(ips))

	return settings, store, nil
}

// setupMetricsServer starts the optional Prometheus endpoint
func setupMetricsServer(cliCfg *CLIConfig, registry *metric.MetricsRegistry, logger *slog.Logger) (*metric.Server, error) {
	if cliCfg.MetricsPort <= 0 {
		return nil, nil
	}

	server := metric.NewServer(cliCfg.MetricsPort, "/metrics", registry, logger)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start metrics server: %w", err)
	}
	slog.Info("Metrics endpoint serving", "port", cliCfg.MetricsPort, "path", "/metrics")
	return server, nil
}

// autoStartInstances starts one instance per declared bridge record. A
// record that fails to start is logged and skipped; the daemon keeps
// running so the remaining bridges still come up.
func autoStartInstances(store config.Store, orch *orchestrator.Orchestrator) {
	ctx := context.Background()

	serials, err := store.GetSerialConfigs()
	if err != nil {
		slog.Warn("Could not read serial records for autostart", "error", err)
	}
	for _, c := range serials {
		result, err := orch.StartInstance(ctx, config.KindSerial, c.ID)
		if err != nil {
			slog.Warn("Autostart failed for serial bridge", "config", c.ID, "error", err)
			continue
		}
		slog.Info("Autostarted serial bridge", "config", c.ID,
			"instance", result.InstanceID, "monitor_port", result.MonitorPort)
	}

	ips, err := store.GetIPConfigs()
	if err != nil {
		slog.Warn("Could not read ip records for autostart", "error", err)
	}
	for _, c := range ips {
		result, err := orch.StartInstance(ctx, config.KindIP, c.ID)
		if err != nil {
			slog.Warn("Autostart failed for ip bridge", "config", c.ID, "error", err)
			continue
		}
		slog.Info("Autostarted ip bridge", "config", c.ID,
			"instance", result.InstanceID, "monitor_port", result.MonitorPort)
	}
}

// runWithSignalHandling blocks until SIGINT/SIGTERM, then shuts down
func runWithSignalHandling(orch *orchestrator.Orchestrator, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("apigate started successfully")
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	done := make(chan struct{})
	go func() {
		orch.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("graceful shutdown timed out after %v", shutdownTimeout)
	}

	slog.Info("apigate shutdown complete")
	return nil
}
