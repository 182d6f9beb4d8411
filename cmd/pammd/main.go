package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pamm-core/internal/api"
	"pamm-core/internal/equity"
	"pamm-core/internal/events"
	"pamm-core/internal/execution"
	"pamm-core/internal/fanout"
	"pamm-core/internal/ledger"
	"pamm-core/internal/lock"
	"pamm-core/internal/reconcile"
	"pamm-core/internal/resolver"
	"pamm-core/internal/telemetry"
	"pamm-core/pkg/cache"
	"pamm-core/pkg/config"
	"pamm-core/pkg/db"

	"github.com/lmittmann/tint"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}
	logger.Info("starting fan-out engine", "port", cfg.Port, "db", cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Error("db init failed", "err", err)
		os.Exit(1)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.Error("db migrations failed", "err", err)
		os.Exit(1)
	}

	catalog, err := config.LoadCatalog(cfg.InstrumentsPath)
	if err != nil {
		logger.Error("instrument catalog load failed", "path", cfg.InstrumentsPath, "err", err)
		os.Exit(1)
	}
	logger.Info("instrument catalog loaded", "symbols", len(catalog.Symbols()))

	// Core services
	bus := events.NewBus()
	store := cache.NewMemory()
	locks := lock.NewManager(store, logger)
	metrics := telemetry.NewMetrics()

	execClient := execution.NewHTTPClient(execution.HTTPConfig{
		BaseURL:   cfg.ExecutionBaseURL,
		Timeout:   cfg.ExecutionTimeout,
		RateLimit: cfg.ExecutionRateLimit,
		Burst:     cfg.ExecutionBurst,
	})

	executor := fanout.NewExecutor(
		database, store, locks, execClient,
		resolver.New(store, database, bus, logger),
		reconcile.NewService(database, bus, logger),
		ledger.NewPoster(database, locks, bus, cfg.LockTTL, logger),
		catalog, bus,
		fanout.Config{
			LockTTL:             cfg.LockTTL,
			DefaultLeverage:     cfg.DefaultLeverage,
			ZeroAllocationFails: cfg.ZeroAllocationFails,
			Metrics:             metrics,
		},
		logger,
	)

	// Out-of-band settlements pushed by the execution service.
	stream := execution.NewStream(cfg.ExecutionStreamURL, executor.ApplySettlement, logger)
	go stream.Run(ctx)

	monitor := equity.NewMonitor(database, store, executor, catalog, bus, cfg.EquityInterval, logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	server := api.NewServer(database, executor, monitor, bus, metrics, cfg.JWTSecret, logger)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			logger.Error("api server stopped", "err", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	logger.Info("shutting down")
}
