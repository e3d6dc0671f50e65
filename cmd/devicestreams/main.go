// Package main implements the entry point for the devicestreams application.
// Devicestreams ingests device events over MQTT, WebSocket, TCP, and CoAP,
// routes them through per-tenant durable streams, and registers unknown
// devices according to tenant policy.
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

	"github.com/c360/devicestreams/config"
	"github.com/c360/devicestreams/health"
	"github.com/c360/devicestreams/metric"
	"github.com/c360/devicestreams/natsclient"
	"github.com/c360/devicestreams/tenant"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "devicestreams"
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

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting devicestreams",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.NewLoader().LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "tenants", len(cfg.Tenants))
		return nil
	}

	ctx := context.Background()

	natsClient, err := connectNATS(ctx, cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer func() { _ = natsClient.Close(ctx) }()

	metricsRegistry := metric.NewMetricsRegistry()

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() { _ = metricsServer.Stop(5 * time.Second) }()
	}

	monitor := health.NewMonitor()
	var healthServer *health.Server
	if cfg.Health.Enabled {
		healthServer = health.NewServer(cfg.Health.Port, appName, monitor, logger)
		if err := healthServer.Start(ctx); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		defer func() { _ = healthServer.Stop(5 * time.Second) }()
	}

	engines, err := buildEngines(cfg, natsClient, metricsRegistry, logger)
	if err != nil {
		return err
	}

	return runWithSignalHandling(ctx, engines, monitor, cliCfg.ShutdownTimeout)
}

// connectNATS creates the client, connects, and waits for the connection.
func connectNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger.With("component", "natsclient")),
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}

	client, err := natsclient.NewClient(cfg.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS")
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	return client, nil
}

// buildEngines constructs and initializes one engine per configured tenant.
func buildEngines(
	cfg *config.Config,
	natsClient *natsclient.Client,
	registry *metric.MetricsRegistry,
	logger *slog.Logger,
) ([]*tenant.Engine, error) {
	engines := make([]*tenant.Engine, 0, len(cfg.Tenants))
	for _, tenantCfg := range cfg.Tenants {
		engine, err := tenant.New(tenant.Deps{
			Config:          tenantCfg,
			NATS:            natsClient,
			MetricsRegistry: registry,
			Logger:          logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build tenant %s: %w", tenantCfg.ID, err)
		}
		if err := engine.Initialize(); err != nil {
			return nil, fmt.Errorf("initialize tenant %s: %w", tenantCfg.ID, err)
		}
		engines = append(engines, engine)
	}
	return engines, nil
}

// runWithSignalHandling starts all tenant pipelines, feeds the health
// monitor, and shuts everything down in reverse order on SIGINT/SIGTERM.
func runWithSignalHandling(
	ctx context.Context,
	engines []*tenant.Engine,
	monitor *health.Monitor,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	for i, engine := range engines {
		if err := engine.Start(signalCtx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = engines[j].Stop(shutdownTimeout)
			}
			return fmt.Errorf("start tenant %s: %w", engine.Tenant(), err)
		}
		slog.Info("Tenant pipeline running", "tenant", engine.Tenant())
	}

	healthDone := make(chan struct{})
	go func() {
		defer close(healthDone)
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-signalCtx.Done():
				return
			case <-ticker.C:
				for _, engine := range engines {
					engine.UpdateHealth(monitor)
				}
			}
		}
	}()

	slog.Info("Devicestreams started", "tenants", len(engines))
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")
	<-healthDone

	deadline := time.Now().Add(shutdownTimeout)
	var firstErr error
	for i := len(engines) - 1; i >= 0; i-- {
		if err := engines[i].Stop(time.Until(deadline)); err != nil {
			slog.Error("Tenant shutdown error", "tenant", engines[i].Tenant(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	slog.Info("Shutdown complete")
	return firstErr
}
