package targets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jobmetrics "github.com/odyssey-erp/odyssey-targets/internal/jobs"
	"github.com/odyssey-erp/odyssey-targets/internal/periods"
)

// RunResult summarises one rollover or sweep batch.
type RunResult struct {
	Success    bool         `json:"success"`
	PeriodType periods.Kind `json:"periodType,omitempty"`
	TotalFound int          `json:"totalFound"`
	RolledOver int          `json:"rolledOver"`
	Expired    int          `json:"expired,omitempty"`
	Skipped    int          `json:"skipped"`
	Errors     int          `json:"errors"`
	Message    string       `json:"message"`
}

// Engine advances elapsed recurring targets and expires elapsed one-off
// targets. Concurrent invocations are safe: each record is guarded by its
// history labels and by the repository's version check.
type Engine struct {
	Repo        Repository
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	MaxAttempts int
}

// NewEngine constructs a rollover engine.
func NewEngine(repo Repository, logger *slog.Logger, metrics *jobmetrics.Metrics) *Engine {
	return &Engine{Repo: repo, Logger: logger, Metrics: metrics, MaxAttempts: DefaultMaxAttempts}
}

type outcome int

const (
	outcomeApplied outcome = iota
	outcomeSkipped
	outcomeFailed
)

// RolloverDuePeriods archives and advances every active recurring target of
// the given kind whose current period ended before now. A failure on one
// target is counted and does not stop the batch.
func (e *Engine) RolloverDuePeriods(ctx context.Context, kind periods.Kind, now time.Time) (RunResult, error) {
	result := RunResult{PeriodType: kind}
	if !kind.Valid() {
		return result, fmt.Errorf("%w: %q", periods.ErrUnknownKind, kind)
	}
	logger := e.log().With(slog.String("period", string(kind)))

	due, err := e.Repo.ListDueRecurring(ctx, kind, now)
	if err != nil {
		result.Message = fmt.Sprintf("failed to load due %s targets", kind)
		logger.Error("list due targets", slog.Any("error", err))
		return result, err
	}
	result.TotalFound = len(due)

	for i := range due {
		target := &due[i]
		switch e.apply(ctx, target, func(t *Target) (bool, error) {
			if !t.IsDue(kind, now) {
				return false, nil
			}
			res, err := t.StartNewPeriod(now)
			return res == RolloverAdvanced, err
		}) {
		case outcomeApplied:
			result.RolledOver++
			logger.Info("target rolled over",
				slog.String("target_id", target.ID),
				slog.String("customer_code", target.CustomerCode),
				slog.String("new_period", target.CurrentLabel()),
			)
		case outcomeSkipped:
			result.Skipped++
		default:
			result.Errors++
		}
	}

	e.Metrics.AddRollovers(string(kind), "rolled_over", result.RolledOver)
	e.Metrics.AddRollovers(string(kind), "skipped", result.Skipped)
	e.Metrics.AddRollovers(string(kind), "error", result.Errors)

	result.Success = result.Errors == 0
	result.Message = fmt.Sprintf("%s rollover: %d found, %d rolled over, %d skipped, %d errors",
		kind, result.TotalFound, result.RolledOver, result.Skipped, result.Errors)
	logger.Info("rollover completed",
		slog.Int("total_found", result.TotalFound),
		slog.Int("rolled_over", result.RolledOver),
		slog.Int("skipped", result.Skipped),
		slog.Int("errors", result.Errors),
	)
	return result, nil
}

// SweepExpired marks active one-off targets whose window ended before now
// as expired. History is never touched.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) (RunResult, error) {
	var result RunResult
	logger := e.log().With(slog.String("run", "expiry_sweep"))

	due, err := e.Repo.ListDueOneOff(ctx, now)
	if err != nil {
		result.Message = "failed to load expired targets"
		logger.Error("list expired targets", slog.Any("error", err))
		return result, err
	}
	result.TotalFound = len(due)

	for i := range due {
		switch e.apply(ctx, &due[i], func(t *Target) (bool, error) {
			if !t.IsExpirable(now) {
				return false, nil
			}
			t.Expire(now)
			return true, nil
		}) {
		case outcomeApplied:
			result.Expired++
		case outcomeSkipped:
			result.Skipped++
		default:
			result.Errors++
		}
	}

	e.Metrics.AddRollovers("one_off", "expired", result.Expired)
	e.Metrics.AddRollovers("one_off", "error", result.Errors)

	result.Success = result.Errors == 0
	result.Message = fmt.Sprintf("expiry sweep: %d found, %d expired, %d skipped, %d errors",
		result.TotalFound, result.Expired, result.Skipped, result.Errors)
	logger.Info("expiry sweep completed",
		slog.Int("total_found", result.TotalFound),
		slog.Int("expired", result.Expired),
		slog.Int("errors", result.Errors),
	)
	return result, nil
}

// apply runs mutate against target and persists it with a version check. On
// a version conflict the record is reloaded and mutate decides again whether
// it still applies. mutate returns false to skip the record untouched.
func (e *Engine) apply(ctx context.Context, target *Target, mutate func(*Target) (bool, error)) outcome {
	logger := e.log().With(slog.String("target_id", target.ID))
	current := target.Clone()
	for attempt := 0; attempt < e.maxAttempts(); attempt++ {
		if attempt > 0 {
			reloaded, err := e.Repo.Get(ctx, target.ID)
			if err != nil {
				logger.Error("reload target", slog.Any("error", err))
				return outcomeFailed
			}
			current = reloaded
		}

		expected := current.Version
		changed, err := mutate(current)
		if err != nil {
			logger.Error("mutate target", slog.Any("error", err))
			return outcomeFailed
		}
		if !changed {
			return outcomeSkipped
		}

		err = e.Repo.Update(ctx, current, expected)
		switch {
		case err == nil:
			*target = *current
			return outcomeApplied
		case errors.Is(err, ErrVersionConflict):
			logger.Debug("version conflict, reloading", slog.Int("attempt", attempt+1))
			continue
		default:
			logger.Error("persist target", slog.Any("error", persistenceErr("update", target.ID, err)))
			return outcomeFailed
		}
	}
	logger.Warn("giving up after repeated version conflicts", slog.Int("attempts", e.maxAttempts()))
	return outcomeFailed
}

func (e *Engine) maxAttempts() int {
	if e != nil && e.MaxAttempts > 0 {
		return e.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (e *Engine) log() *slog.Logger {
	if e != nil && e.Logger != nil {
		return e.Logger.With(slog.String("component", "rollover"))
	}
	return slog.Default().With(slog.String("component", "rollover"))
}
