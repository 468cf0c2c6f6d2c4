// Kestrel - Payment fraud risk scoring with an AI second opinion.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/service"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// counterPurgeInterval is how often expired database counters are removed.
const counterPurgeInterval = 5 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Logging, os.Stdout)
	if err != nil {
		slog.Error("invalid logging configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"counter_store", cfg.CounterStore,
		"eventbus", cfg.EventBus.Type,
		"ai_enabled", cfg.AI.Enabled,
		"ai_model", cfg.AI.Model,
	)
	if cfg.Tracing.Enabled {
		slog.Info("tracing enabled; spans go to the globally registered otel provider", "service", cfg.Tracing.ServiceName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	var counters domain.CounterStore = cacheImpl
	if cfg.CounterStore == domain.CounterStoreDatabase {
		counters = repo
		go purgeCounters(ctx, repo)
	}

	svc, err := service.New(service.Deps{
		Config:     cfg,
		Repository: repo,
		Counters:   counters,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("failed to initialize service", "error", err)
		os.Exit(1)
	}
	slog.Info("scoring service initialized",
		"rules_count", len(svc.ListRules()),
		"flag_threshold", cfg.Fraud.FlagThreshold,
		"review_threshold", cfg.Fraud.ReviewThreshold,
		"block_threshold", cfg.Fraud.BlockThreshold,
	)

	status := svc.OracleStatus(ctx)
	slog.Info("ai oracle",
		"enabled", status.Enabled,
		"available", status.Available,
		"credential_configured", status.CredentialConfigured,
	)

	var asyncWorker *worker.Worker
	if cfg.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, svc, logger)
		if err := asyncWorker.Start(worker.DefaultConfig()); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "topic", domain.TopicTransactionIngested)
		}
	}

	srv := api.NewServer(cfg.Server, svc, Version, logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	// stop consuming before the server and stores go away
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func purgeCounters(ctx context.Context, repo *repository.SQLRepository) {
	ticker := time.NewTicker(counterPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := repo.PurgeExpiredCounters(ctx, now)
			if err != nil {
				slog.Warn("failed to purge velocity counters", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("purged velocity counters", "count", n)
			}
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - payment fraud risk scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /analyze                    - Score a transaction with AI enhancement")
	fmt.Println("    POST   /analyze/traditional        - Score without the AI oracle")
	fmt.Println("    POST   /analyze/batch              - Analyze up to 100 transactions")
	fmt.Println("    POST   /score                      - Risk score only, nothing recorded")
	fmt.Println("    POST   /transactions               - Queue for async analysis")
	fmt.Println("    GET    /transactions/{id}          - Get transaction by ID")
	fmt.Println("    GET    /evaluations/{id}           - Get evaluation by ID")
	fmt.Println("    GET    /merchants/{id}/statistics  - Replayed fraud statistics")
	fmt.Println("    GET    /rules                      - List rules")
	fmt.Println("    POST   /rules                      - Add a rule")
	fmt.Println("    PATCH  /rules/{id}                 - Update a rule")
	fmt.Println("    DELETE /rules/{id}                 - Remove a rule")
	fmt.Println("    POST   /rules/{id}/toggle          - Enable or disable a rule")
	fmt.Println("    GET    /oracle/status              - AI oracle status")
	fmt.Println("    GET    /health                     - Health check")
	fmt.Println("    GET    /metrics                    - Prometheus metrics")
	fmt.Println()
}
