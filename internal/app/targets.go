package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	jobmetrics "github.com/odyssey-erp/odyssey-targets/internal/jobs"
	"github.com/odyssey-erp/odyssey-targets/internal/platform/db"
	"github.com/odyssey-erp/odyssey-targets/internal/platform/docstore"
	"github.com/odyssey-erp/odyssey-targets/internal/targets"
	"github.com/odyssey-erp/odyssey-targets/jobs"
)

// OpenTargetStore connects the store selected by STORE_DRIVER. The returned
// closer releases the connection.
func OpenTargetStore(ctx context.Context, cfg *Config, logger *slog.Logger) (targets.Repository, func(), error) {
	switch cfg.StoreDriver {
	case StoreDriverMongo:
		client, err := docstore.New(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		database := client.Database(cfg.MongoDatabase)
		if err := targets.EnsureMongoIndexes(ctx, database); err != nil {
			logger.Warn("ensure mongo indexes", slog.Any("error", err))
		}
		closer := func() {
			if err := docstore.Close(client); err != nil {
				logger.Warn("mongo close", slog.Any("error", err))
			}
		}
		logger.Info("target store ready", slog.String("driver", StoreDriverMongo), slog.String("database", cfg.MongoDatabase))
		return targets.NewMongoRepository(database), closer, nil
	case StoreDriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("target store ready", slog.String("driver", StoreDriverPostgres))
		return targets.NewPostgresRepository(pool), pool.Close, nil
	case StoreDriverMemory:
		logger.Warn("target store is in memory; data is lost on restart")
		return targets.NewMemoryRepository(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("app: unsupported store driver %q", cfg.StoreDriver)
	}
}

// SchedulerDeps collects what NewTargetScheduler needs besides configuration.
type SchedulerDeps struct {
	Logger  *slog.Logger
	Repo    targets.Repository
	Redis   *redis.Client
	Metrics *jobmetrics.Metrics
}

// NewTargetScheduler wires the rollover engine, the Redis run log and the
// asynq cron registry into a scheduler.
func NewTargetScheduler(cfg *Config, deps SchedulerDeps) (*jobs.Scheduler, error) {
	engine := targets.NewEngine(deps.Repo, deps.Logger, deps.Metrics)
	engine.MaxAttempts = cfg.RolloverMaxAttempts
	return jobs.NewScheduler(jobs.SchedulerConfig{
		Engine:  engine,
		Cron:    jobs.NewCronRegistry(cfg.RedisOptions().Asynq()),
		RunLog:  jobs.NewRunLog(deps.Redis, cfg.SchedulerRunStaleAfter),
		Logger:  deps.Logger,
		Metrics: deps.Metrics,
		Specs: jobs.ScheduleSpecs{
			Monthly:   cfg.SchedulerMonthlySpec,
			Quarterly: cfg.SchedulerQuarterlySpec,
			Yearly:    cfg.SchedulerYearlySpec,
			Sweep:     cfg.SchedulerSweepSpec,
		},
	})
}
