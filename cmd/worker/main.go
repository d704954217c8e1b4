// Package main is the entrypoint for the finflow analysis worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rameshkrishnan/finflow/internal/analysis"
	"github.com/rameshkrishnan/finflow/internal/cache"
	"github.com/rameshkrishnan/finflow/internal/config"
	"github.com/rameshkrishnan/finflow/internal/convo"
	"github.com/rameshkrishnan/finflow/internal/events"
	"github.com/rameshkrishnan/finflow/internal/lock"
	"github.com/rameshkrishnan/finflow/internal/queue"
	"github.com/rameshkrishnan/finflow/internal/store"
	"github.com/rameshkrishnan/finflow/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	workerID := workerID()
	slog.Info("config loaded", "worker_id", workerID, "max_concurrent", cfg.Worker.MaxConcurrent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// Idempotent, so server and worker pods can race on startup.
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	provider, err := analysis.NewProvider(cfg.Analysis)
	if err != nil {
		return fmt.Errorf("create analysis provider: %w", err)
	}
	slog.Info("analysis provider initialized", "provider", provider.Name())

	registry := queue.NewRegistry()
	analysis.RegisterKind(registry)

	jobs := queue.NewPostgresQueue(pool, cfg.Queue, registry)
	locks := lock.NewPostgresLock(pool)
	eventLog := events.NewPostgresLog(pool, cfg.Events.TTL)
	convoStore := convo.NewDualTier(pool, redisCache, cfg.Convo.WindowSize)
	pgStore := store.NewPostgresStore(pool)

	handler := analysis.NewJobHandler(
		provider,
		convoStore,
		pgStore,
		eventLog,
		locks,
		jobs,
		cfg.Analysis.InferenceTimeout,
		cfg.Lock.TTL,
	)

	mux := worker.NewMux()
	mux.Register(analysis.KindAnalysis, handler)

	workerPool := worker.NewPool(workerID, jobs, mux, cfg.Worker)
	// Start blocks for the life of the process, so both loops get their
	// own goroutine.
	go workerPool.Start(ctx)
	go janitor(ctx, cfg, jobs, locks, eventLog)

	<-ctx.Done()
	slog.Info("shutdown signal received, draining in-flight jobs...")

	workerPool.Stop()
	slog.Info("worker stopped gracefully")
	return nil
}

// janitor periodically sweeps expired locks, stale events, finished jobs
// past their retention window, and claims orphaned by dead workers.
func janitor(ctx context.Context, cfg *config.Config, jobs queue.Queue, locks lock.SessionLock, eventLog events.Log) {
	ticker := time.NewTicker(cfg.Worker.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := locks.CleanupExpired(ctx); err != nil {
			slog.Warn("lock cleanup failed", "error", err)
		} else if n > 0 {
			slog.Info("expired locks removed", "count", n)
		}

		if n, err := eventLog.Cleanup(ctx); err != nil {
			slog.Warn("event cleanup failed", "error", err)
		} else if n > 0 {
			slog.Info("expired events removed", "count", n)
		}

		cutoff := time.Now().Add(-cfg.Queue.FinishedJobTTL)
		if n, err := jobs.CleanupFinished(ctx, cutoff); err != nil {
			slog.Warn("finished job cleanup failed", "error", err)
		} else if n > 0 {
			slog.Info("finished jobs removed", "count", n)
		}

		if n, err := jobs.ReclaimStalled(ctx, cfg.Queue.ReclaimSlack); err != nil {
			slog.Warn("stalled claim reclaim failed", "error", err)
		} else if n > 0 {
			slog.Info("stalled claims reclaimed", "count", n)
		}
	}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-" + uuid.NewString()[:8]
	}
	return host + "-" + uuid.NewString()[:8]
}
