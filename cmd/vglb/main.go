// Package main implements the entry point for the virtual GPU LUT box: a
// network service that receives 3D LUTs from a color-grading controller and
// republishes them as GPU-consumable Hald textures on per-channel outputs.
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

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/component"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/config"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/lut"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/metric"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/protocol"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/server"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/sink"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/stream"
)

// Build information constants
const (
	Version   = "1.0.0"
	BuildTime = "dev"
	appName   = "vglb"
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

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	ctx := context.Background()
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	var metricsRegistry *metric.Registry
	if cfg.Metrics.Enabled {
		metricsRegistry = metric.NewRegistry()
	}

	factory, closeSinks, err := buildSinkFactory(signalCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create sink backend: %w", err)
	}
	defer closeSinks()

	manager, err := stream.NewManager(stream.Deps{
		BaseName:        cfg.StreamName,
		Factory:         factory,
		Logger:          logger.With("component", "stream-manager"),
		MetricsRegistry: metricsRegistry,
	})
	if err != nil {
		return fmt.Errorf("create output manager: %w", err)
	}
	defer manager.StopAll()

	handler := protocol.NewHandler(
		logger.With("component", "protocol"), cfg.LUT.MaxCubeSize)

	servers, err := startServers(signalCtx, cfg, handler, manager, metricsRegistry, logger)
	if err != nil {
		return err
	}

	metricsServer := startMetricsServer(cfg, metricsRegistry, logger)

	if err := bootstrapIdentity(cfg, manager); err != nil {
		// Publish failures at startup are retryable when the first real LUT
		// arrives; do not abort the service
		logger.Warn("Identity bootstrap failed", "error", err)
	}

	logger.Info("virtual-gpu-lut-box started",
		"stream", cfg.StreamName,
		"sink", cfg.Sink.Backend,
		"tcp_port", cfg.Server.Port,
		"websocket", cfg.WebSocket.Enabled)

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	timeout := resolveShutdownTimeout(cliCfg.ShutdownTimeout, cfg)
	return shutdown(servers, metricsServer, manager, timeout, logger)
}

// resolveShutdownTimeout applies precedence: an explicit CLI or environment
// value wins, otherwise the config file's shutdown_timeout is used
func resolveShutdownTimeout(cliValue time.Duration, cfg *config.Config) time.Duration {
	if cliValue > 0 {
		return cliValue
	}
	return cfg.ShutdownTimeout.Std()
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

	slog.Info("Starting virtual-gpu-lut-box",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// buildSinkFactory assembles the backend registry and selects the configured
// backend. The returned close function releases backend connections.
func buildSinkFactory(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
) (sink.Factory, func(), error) {
	registry := sink.NewRegistry()
	closeSinks := func() {}

	if err := registry.Register(&sink.NullFactory{Logger: logger}); err != nil {
		return nil, nil, err
	}

	if cfg.Sink.Directory != "" {
		factory := &sink.FileFactory{Directory: cfg.Sink.Directory, Logger: logger}
		if err := registry.Register(factory); err != nil {
			return nil, nil, err
		}
	}

	// The NATS backend dials its broker, so it is only constructed when
	// selected
	if cfg.Sink.Backend == config.BackendNATS {
		factory, err := sink.NewNATSFactory(ctx, sink.NATSFactoryConfig{
			URL:           cfg.Sink.NATSURL,
			SubjectPrefix: cfg.Sink.SubjectPrefix,
			ClientName:    appName,
			Logger:        logger.With("component", "nats-sink"),
		})
		if err != nil {
			return nil, nil, err
		}
		if err := registry.Register(factory); err != nil {
			factory.Close()
			return nil, nil, err
		}
		closeSinks = factory.Close
	}

	factory, err := registry.Lookup(cfg.Sink.Backend)
	if err != nil {
		closeSinks()
		return nil, nil, err
	}
	return factory, closeSinks, nil
}

// startServers initializes and starts the configured connection servers
func startServers(
	ctx context.Context,
	cfg *config.Config,
	handler *protocol.Handler,
	manager *stream.Manager,
	metricsRegistry *metric.Registry,
	logger *slog.Logger,
) ([]component.LifecycleComponent, error) {
	var servers []component.LifecycleComponent

	tcpServer := server.NewServer(server.Deps{
		Name:            "tcp-server",
		Config:          cfg.Server,
		Handler:         handler,
		Manager:         manager,
		MetricsRegistry: metricsRegistry,
		Logger:          logger.With("component", "tcp-server"),
	})
	servers = append(servers, tcpServer)

	if cfg.WebSocket.Enabled {
		wsServer := server.NewWSServer(server.WSDeps{
			Name:            "ws-server",
			Config:          cfg.WebSocket.WSConfig,
			Handler:         handler,
			Manager:         manager,
			MetricsRegistry: metricsRegistry,
			Logger:          logger.With("component", "ws-server"),
		})
		servers = append(servers, wsServer)
	}

	for _, srv := range servers {
		if err := srv.Initialize(); err != nil {
			return nil, fmt.Errorf("initialize %s: %w", srv.Meta().Name, err)
		}
	}
	for i, srv := range servers {
		if err := srv.Start(ctx); err != nil {
			// Stop anything already started before bailing
			for _, started := range servers[:i] {
				_ = started.Stop(5 * time.Second)
			}
			return nil, fmt.Errorf("start %s: %w", srv.Meta().Name, err)
		}
	}

	return servers, nil
}

// startMetricsServer starts the Prometheus endpoint when metrics are enabled
func startMetricsServer(
	cfg *config.Config,
	metricsRegistry *metric.Registry,
	logger *slog.Logger,
) *metric.Server {
	if metricsRegistry == nil {
		return nil
	}

	metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()
	return metricsServer
}

// bootstrapIdentity publishes a passthrough LUT on the default channel so
// consumers have a texture before the first controller message
func bootstrapIdentity(cfg *config.Config, manager *stream.Manager) error {
	if cfg.LUT.BootstrapSize <= 0 {
		return nil
	}
	cube, err := lut.Identity(cfg.LUT.BootstrapSize)
	if err != nil {
		return err
	}
	return manager.Process(cube, "")
}

// shutdown stops servers first so no new LUTs arrive mid-teardown, then the
// manager, then the metrics endpoint
func shutdown(
	servers []component.LifecycleComponent,
	metricsServer *metric.Server,
	manager *stream.Manager,
	timeout time.Duration,
	logger *slog.Logger,
) error {
	var firstErr error
	for _, srv := range servers {
		if err := srv.Stop(timeout); err != nil {
			logger.Error("Server stop failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	manager.StopAll()

	if metricsServer != nil {
		if err := metricsServer.Stop(timeout); err != nil {
			logger.Warn("Metrics server stop failed", "error", err)
		}
	}

	if firstErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", firstErr)
	}
	logger.Info("virtual-gpu-lut-box shutdown complete")
	return nil
}
