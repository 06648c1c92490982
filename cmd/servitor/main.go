// Package main is the servitor supervisor entrypoint. It loads
// configuration, wires the database, cache, audit journal, and metrics into
// lifecycle managers for the API server, Kafka control plane, and health
// monitor, starts them in dependency order, and handles graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/servitorhq/servitor/internal/api"
	"github.com/servitorhq/servitor/internal/audit"
	"github.com/servitorhq/servitor/internal/auth"
	"github.com/servitorhq/servitor/internal/cache"
	"github.com/servitorhq/servitor/internal/control"
	"github.com/servitorhq/servitor/internal/monitor"
	"github.com/servitorhq/servitor/internal/storage"
	"github.com/servitorhq/servitor/pkg/config"
	"github.com/servitorhq/servitor/pkg/health"
	"github.com/servitorhq/servitor/pkg/lifecycle"
	"github.com/servitorhq/servitor/pkg/logging"
	"github.com/servitorhq/servitor/pkg/metrics"
	"github.com/servitorhq/servitor/pkg/service"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := pflag.String("config", "", "Path to configuration file")
	logLevel := pflag.String("log-level", "", "Log level (debug, info, warn, error)")
	port := pflag.Int("port", 0, "Listen port, overriding configuration")
	pflag.Parse()

	if err := run(*configPath, *logLevel, *port); err != nil {
		fmt.Fprintf(os.Stderr, "servitor: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string, port int) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// Command-line flags win over file and environment.
	if logLevel != "" {
		cfg.Service.LogLevel = logLevel
	}
	if port != 0 {
		cfg.Service.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := logging.ParseLevel(cfg.Service.LogLevel)
	logger := logging.New(logging.Config{
		Level:       level,
		Output:      os.Stdout,
		ServiceName: cfg.Service.Name,
		Environment: cfg.Environment,
	})

	// Config reload retunes log verbosity without a restart.
	loader.OnChange(func(next *config.Config) {
		if lvl, err := logging.ParseLevel(next.Service.LogLevel); err == nil {
			logger.SetLevel(lvl)
			logger.Info("log level reloaded", "level", string(lvl))
		}
	})
	loader.OnError(func(err error) {
		logger.WithError(err).Warn("config reload rejected, keeping previous configuration")
	})
	loader.Watch()

	logger.Info("starting servitor",
		"version", lifecycle.Version, "port", cfg.Service.Port, "environment", cfg.Environment)

	collector := metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace})
	registry := service.NewRegistry(logger)
	healthRegistry := health.NewRegistry(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database and audit journal. The API manager owns connect/close for
	// its own dependency; the journal runs on a dedicated connection held
	// open past StopAll, so the terminal STOPPED rows land even after the
	// API's database has closed.
	var (
		db      lifecycle.Database
		journal *audit.Recorder
	)
	if cfg.Service.Database.Host != "" {
		pg := storage.NewPostgres(cfg.Service.Database, logger)
		db = pg
		healthRegistry.Register("postgres", dependencyChecker("postgres", collector, pg.Ping))

		journalDB := storage.NewPostgres(cfg.Service.Database, logger)
		if err := journalDB.Connect(ctx); err != nil {
			logger.WithError(err).Warn("journal database unavailable, transitions will not be recorded")
		}
		journal = audit.NewRecorder(journalDB, logger)
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer closeCancel()
			if err := journalDB.Close(closeCtx); err != nil {
				logger.WithError(err).Warn("closing journal database")
			}
		}()
	}

	// Cache. Unreachable Redis degrades to metrics-only monitoring rather
	// than refusing to boot.
	var cacheDep lifecycle.Cache
	if cfg.Cache.Address != "" {
		redisCache, err := cache.NewRedis(cfg.Cache, logger)
		if err != nil {
			logger.WithError(err).Warn("cache unavailable, snapshots will not be published")
		} else {
			cacheDep = redisCache
			healthRegistry.Register("redis", dependencyChecker("redis", collector, redisCache.Ping))
		}
	}

	baseOpts := func(extra ...lifecycle.Option) []lifecycle.Option {
		opts := []lifecycle.Option{lifecycle.WithMetrics(collector)}
		if journal != nil {
			opts = append(opts, lifecycle.WithObserver(journal))
		}
		return append(opts, extra...)
	}

	// API server. It carries the database dependency, so its Start
	// connects Postgres before it begins serving.
	authenticator := auth.New(cfg.Auth, logger)
	apiServer := api.NewServer(cfg, registry, authenticator, journal, healthRegistry, collector, logger)

	apiOpts := baseOpts()
	if db != nil {
		apiOpts = append(apiOpts, lifecycle.WithDatabase(db))
	}
	if cacheDep != nil {
		apiOpts = append(apiOpts, lifecycle.WithCache(cacheDep))
	}
	apiService := apiServer.Service(apiOpts...)
	if err := registry.Register(apiService); err != nil {
		return fmt.Errorf("registering api service: %w", err)
	}
	healthRegistry.Register("api", health.ServiceChecker("api", func(ctx context.Context) error {
		return apiService.Health()
	}))

	// Kafka control plane, started after the API so commands never race
	// the HTTP surface coming up.
	if cfg.Kafka.Brokers != "" {
		plane, err := control.NewPlane(cfg.Kafka, registry, logger)
		if err != nil {
			return fmt.Errorf("initializing control plane: %w", err)
		}
		planeService := plane.Service(
			&config.ServiceConfig{
				Name:     "control-plane",
				Port:     cfg.Service.Port,
				LogLevel: cfg.Service.LogLevel,
			},
			logger,
			baseOpts(lifecycle.WithDependencies(cfg.Service.Name))...,
		)
		if err := registry.Register(planeService); err != nil {
			return fmt.Errorf("registering control plane service: %w", err)
		}
		healthRegistry.Register("control-plane", health.ServiceChecker("control-plane", func(ctx context.Context) error {
			return planeService.Health()
		}))
	}

	// Monitor, last: it sweeps everything registered before it.
	mon := monitor.New(cfg.Monitor, registry, healthRegistry, cacheDep, collector, logger)
	monitorService := mon.Service(
		&config.ServiceConfig{
			Name:     "monitor",
			Port:     cfg.Service.Port,
			LogLevel: cfg.Service.LogLevel,
		},
		logger,
		baseOpts(lifecycle.WithDependencies(cfg.Service.Name))...,
	)
	if err := registry.Register(monitorService); err != nil {
		return fmt.Errorf("registering monitor service: %w", err)
	}

	logger.Info("starting all services")
	if err := registry.StartAll(ctx); err != nil {
		// Bring down whatever did start before giving up.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		if stopErr := registry.StopAll(stopCtx); stopErr != nil {
			logger.WithError(stopErr).Error("error during startup rollback")
		}
		return fmt.Errorf("starting services: %w", err)
	}
	logger.Info("all services started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs

	logger.Info("shutting down", "signal", sig.String())
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := registry.StopAll(stopCtx); err != nil {
		logger.WithError(err).Error("error during shutdown")
	}

	logger.Info("shutdown complete")
	return nil
}

// dependencyChecker wraps an infrastructure ping with latency and liveness
// metrics so every health poll feeds the dependency gauges.
func dependencyChecker(name string, collector *metrics.Metrics, ping func(ctx context.Context) error) health.Checker {
	return health.DependencyChecker(name, func(ctx context.Context) error {
		start := time.Now()
		err := ping(ctx)
		collector.ObserveDependencyLatency("servitor", name, time.Since(start))
		return err
	})
}
