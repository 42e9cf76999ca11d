package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/odyssey-targets/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-targets/internal/jobs"
	"github.com/odyssey-erp/odyssey-targets/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-targets/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	repo, closeStore, err := app.OpenTargetStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open target store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	scheduler, err := app.NewTargetScheduler(cfg, app.SchedulerDeps{
		Logger:  logger,
		Repo:    repo,
		Redis:   redisClient,
		Metrics: jobmetrics.NewMetrics(nil),
	})
	if err != nil {
		logger.Error("init scheduler", slog.Any("error", err))
		os.Exit(1)
	}

	cfgWorker := jobs.WorkerConfig{
		RedisOpts:   cfg.RedisOptions().Asynq(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
	}
	if app.SchedulerWanted(cfg) {
		cfgWorker.Scheduler = scheduler
	} else {
		// Only the task handlers run here; another process owns the timers.
		cfgWorker.Handlers = scheduler.TaskHandlers()
	}
	worker, err := jobs.NewWorker(cfgWorker)
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
