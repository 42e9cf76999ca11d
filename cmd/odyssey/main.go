package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-targets/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-targets/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-targets/internal/jobs"
	"github.com/odyssey-erp/odyssey-targets/internal/observability"
	"github.com/odyssey-erp/odyssey-targets/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-targets/internal/targets"
	targetshttp "github.com/odyssey-erp/odyssey-targets/internal/targets/http"
	"github.com/odyssey-erp/odyssey-targets/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobsCommand(ctx, os.Args[2:]))
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("odyssey exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	repo, closeStore, err := app.OpenTargetStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open target store: %w", err)
	}
	defer closeStore()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	service := targets.NewService(repo, logger)
	service.WithMaxAttempts(cfg.RolloverMaxAttempts)

	var scheduler *jobs.Scheduler
	if app.SchedulerWanted(cfg) {
		scheduler, err = app.NewTargetScheduler(cfg, app.SchedulerDeps{
			Logger:  logger,
			Repo:    repo,
			Redis:   redisClient,
			Metrics: jobMetrics,
		})
		if err != nil {
			return fmt.Errorf("init scheduler: %w", err)
		}
	}

	redisOpts := cfg.RedisOptions().Asynq()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	targetHandler := newTargetHandler(logger, service, scheduler)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		TargetHandler: targetHandler,
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if scheduler != nil {
		worker, err := jobs.NewWorker(jobs.WorkerConfig{
			RedisOpts:   redisOpts,
			Logger:      logger,
			Concurrency: cfg.WorkerConcurrency,
			Scheduler:   scheduler,
		})
		if err != nil {
			return fmt.Errorf("init worker: %w", err)
		}
		g.Go(func() error {
			return worker.Run(gctx)
		})
	} else {
		logger.Info("scheduler disabled; timers and task handlers are not running in this process")
	}
	return g.Wait()
}

// newTargetHandler keeps a nil scheduler from becoming a non-nil interface.
func newTargetHandler(logger *slog.Logger, service *targets.Service, scheduler *jobs.Scheduler) *targetshttp.Handler {
	if scheduler == nil {
		return targetshttp.NewHandler(logger, service, nil)
	}
	return targetshttp.NewHandler(logger, service, scheduler)
}

func runJobsCommand(ctx context.Context, args []string) int {
	redisOpts, err := app.LoadRedisOptions()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "load redis config:", err)
		return 1
	}
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	redisAddr := fs.String("redis", redisOpts.Addr, "redis address")
	period := fs.String("period", "", "period kind for rollover (monthly, quarterly, yearly); empty means all")
	jsonOut := fs.Bool("json", false, "print JSON output")
	if len(args) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "usage: odyssey jobs <rollover|sweep|queue|runs> [-period kind] [-json] [-redis addr]")
		return 2
	}
	action := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	redisOpts.Addr = *redisAddr
	jobsCLI, err := cli.NewJobsCLI(redisOpts)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() {
		_ = jobsCLI.Close()
	}()
	return jobsCLI.JobsCommand(ctx, cli.JobsOptions{
		Action:     action,
		Period:     *period,
		JSONOutput: *jsonOut,
	})
}
