// Kestrel - Order fraud scoring for marketplaces.
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
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/blacklist"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/signals"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("kestrel failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	setupLogger(cfg.Logging)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"scoring_mode", cfg.Scoring.Mode,
	)

	policy, err := cfg.Scoring.Policy()
	if err != nil {
		return err
	}
	failurePolicy, err := domain.ParseFailurePolicy(cfg.Blacklist.FailurePolicy)
	if err != nil {
		return err
	}

	// Create context cancelled on shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracer shutdown", "error", err)
		}
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	go metrics.StartDBStatsCollector(ctx, repo, 15*time.Second)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine
	engine, err := rules.NewEngine(repo, policy)
	if err != nil {
		return fmt.Errorf("initialize rule engine: %w", err)
	}
	if cfg.Rules.SeedDefaults {
		if _, err := rules.SeedDefaults(ctx, repo); err != nil {
			return err
		}
	}
	if err := engine.ReloadRules(ctx, repo); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// External signals run only in ensemble mode.
	var guards []*signals.Guard
	if cfg.Signals.Enabled && policy.Mode == domain.ModeEnsemble {
		guards = signals.Guards(signals.NewClient(cfg.Signals, nil), cfg.Signals)
		slog.Info("signal providers enabled", "base_url", cfg.Signals.BaseURL)
	} else if policy.Mode == domain.ModeEnsemble {
		slog.Warn("ensemble scoring without signal providers, using neutral signal values")
	}

	checker := blacklist.NewChecker(repo, cacheImpl, failurePolicy, cfg.Blacklist.CacheTTL)
	svc := fraud.NewService(fraud.Deps{
		Store:      repo,
		Checker:    checker,
		Auto:       blacklist.NewAutoBlacklister(repo, checker, busImpl, blacklist.AutoConfigFrom(cfg.Blacklist)),
		Extractor:  features.NewExtractor(repo),
		Tracker:    velocity.NewTracker(cacheImpl),
		Engine:     engine,
		Aggregator: scoring.NewAggregator(policy, guards...),
		Classifier: decision.NewClassifier(policy),
		Bus:        busImpl,
	}, fraud.Config{
		VelocityWindow: cfg.Velocity.Window,
		BotIPLimit:     cfg.Velocity.BotIPLimit,
		EngineVersion:  Version,
	})
	slog.Info("fraud service initialized",
		"mode", policy.Mode,
		"thresholds", policy.Thresholds.Name,
		"failure_policy", failurePolicy.Name(),
	)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, svc, worker.Config{
			Concurrency: cfg.Worker.Concurrency,
		})
		if err := asyncWorker.Start(cfg.Worker.TenantIDs); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Service: svc,
		Engine:  engine,
		Repo:    repo,
		Checker: checker,
		Cache:   cacheImpl,
		Version: Version,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	// Wait for shutdown signal
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
	}

	// Stop async worker first
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
	return nil
}

func setupLogger(cfg domain.LoggingConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - order fraud scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Scoring:  %s\n", cfg.Scoring.Mode)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /evaluate                 - Score an order")
	fmt.Println("    GET    /orders/{id}/score        - Latest score for an order")
	fmt.Println("    POST   /orders/{id}/reanalyze    - Re-score a stored order")
	fmt.Println("    POST   /orders/{id}/review       - Record a review decision")
	fmt.Println("    GET    /rules                    - List rules")
	fmt.Println("    POST   /rules                    - Create a rule")
	fmt.Println("    PUT    /rules/{id}               - Update a rule")
	fmt.Println("    DELETE /rules/{id}               - Deactivate a rule")
	fmt.Println("    POST   /rules/reload             - Hot-reload rules")
	fmt.Println("    GET    /blacklist                - List blacklist entries")
	fmt.Println("    POST   /blacklist                - Add a blacklist entry")
	fmt.Println("    DELETE /blacklist/{type}/{value} - Remove a blacklist entry")
	fmt.Println("    GET    /health, /ready, /metrics")
	fmt.Println()
}
