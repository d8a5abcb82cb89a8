// Command server runs the replication topology monitor.
//
// # Usage
//
//	server --config /etc/replmon/config.yaml --redis redis://localhost:6379/0
//
// # Configuration
//
// The server can be configured via:
// - A YAML config file
// - Command-line flags
// - Environment variables (REPLMON_*)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/pilot-net/repl-mon/internal/alerting"
	"github.com/pilot-net/repl-mon/internal/config"
	"github.com/pilot-net/repl-mon/internal/discovery"
	"github.com/pilot-net/repl-mon/internal/pool"
	"github.com/pilot-net/repl-mon/internal/secrets"
	"github.com/pilot-net/repl-mon/internal/store"
	"github.com/pilot-net/repl-mon/internal/worker"
)

func main() {
	// Best-effort: a missing .env is fine.
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		redisURL   = flag.String("redis", "", "Redis URL (redis://...)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("replmon-server v0.1.0")
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()
	if *redisURL != "" {
		cfg.Redis.URL = *redisURL
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Redis
	db, err := store.New(cfg.Redis.URL, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to redis")

	// Credential resolution
	secretsCfg := secrets.ConfigFromEnv()
	resolver, err := secrets.NewResolver(ctx, secretsCfg, logger)
	if err != nil {
		logger.Error("failed to initialize credential resolver", "error", err)
		os.Exit(1)
	}
	defer resolver.Close()

	tokens, err := secrets.NewTokenGenerator(ctx, secretsCfg, logger)
	if err != nil {
		logger.Error("failed to initialize IAM token generator", "error", err)
		os.Exit(1)
	}

	// Connection pools
	manager := pool.NewManager(cfg.Pool, resolver, tokens, logger)

	// Register databases from config and from previously stored descriptors.
	// Registration failures are logged, not fatal: the health loop keeps
	// retrying unhealthy databases and the rest of the fleet stays monitored.
	registered := 0
	for _, dbCfg := range cfg.Databases {
		desc := dbCfg.Descriptor()
		// Inline config credentials never travel on the descriptor; hand
		// them to the pool directly.
		var err error
		if dbCfg.Username != "" {
			err = manager.RegisterWithLogin(ctx, desc, dbCfg.Username, dbCfg.Password)
		} else {
			err = manager.Register(ctx, desc)
		}
		if err != nil {
			logger.Error("failed to register configured database",
				"database_id", desc.ID, "error", err)
			continue
		}
		if err := db.SaveDescriptor(ctx, &desc); err != nil {
			logger.Warn("failed to persist database descriptor",
				"database_id", desc.ID, "error", err)
		}
		registered++
	}
	stored, err := db.ListDescriptors(ctx)
	if err != nil {
		logger.Warn("failed to list stored databases", "error", err)
	}
	for _, desc := range stored {
		if manager.Registered(desc.ID) {
			continue
		}
		if err := manager.Register(ctx, desc); err != nil {
			logger.Error("failed to register stored database",
				"database_id", desc.ID, "error", err)
			continue
		}
		registered++
	}
	logger.Info("databases registered", "count", registered)

	// Discovery and alerting
	catalog := discovery.NewCatalog(manager, logger)
	discoveryEngine := discovery.NewEngine(catalog, manager, logger)
	alertEngine := alerting.NewEngine(db, manager, discoveryEngine, catalog, nil, logger)

	if err := alertEngine.InitializeDefaultThresholds(ctx); err != nil {
		logger.Error("failed to seed default thresholds", "error", err)
		os.Exit(1)
	}

	// Background workers
	monitorWorker := worker.NewMonitorWorker(alertEngine, worker.MonitorWorkerConfig{
		Interval: cfg.Monitoring.MonitorInterval,
	}, logger)
	discoveryWorker := worker.NewDiscoveryWorker(discoveryEngine, db, worker.DiscoveryWorkerConfig{
		Interval: cfg.Monitoring.DiscoveryInterval,
	}, logger)
	streamHealthWorker := worker.NewStreamHealthWorker(discoveryEngine, db, worker.StreamHealthWorkerConfig{
		Interval: cfg.Monitoring.StreamHealthInterval,
	}, logger)
	cleanupWorker := worker.NewCleanupWorker(alertEngine, worker.CleanupWorkerConfig{
		Interval:  cfg.Monitoring.CleanupInterval,
		Retention: cfg.Monitoring.AlertRetention,
	}, logger)

	monitorWorker.Start(ctx)
	discoveryWorker.Start(ctx)
	streamHealthWorker.Start(ctx)
	cleanupWorker.Start(ctx)
	logger.Info("monitor started",
		"monitor_interval", cfg.Monitoring.MonitorInterval,
		"discovery_interval", cfg.Monitoring.DiscoveryInterval,
		"stream_health_interval", cfg.Monitoring.StreamHealthInterval,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	monitorWorker.Stop()
	discoveryWorker.Stop()
	streamHealthWorker.Stop()
	cleanupWorker.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	manager.CloseAll(shutdownCtx)

	logger.Info("shutdown complete")
}
