package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-targets/internal/jobs"
	"github.com/odyssey-erp/odyssey-targets/internal/periods"
	"github.com/odyssey-erp/odyssey-targets/internal/targets"
)

// Timer names.
const (
	TimerMonthlyRollover   = "monthly-rollover"
	TimerQuarterlyRollover = "quarterly-rollover"
	TimerYearlyRollover    = "yearly-rollover"
	TimerExpirySweep       = "expiry-sweep"
)

// Default cron specs, evaluated in UTC.
const (
	DefaultMonthlySpec   = "1 0 1 * *"
	DefaultQuarterlySpec = "5 0 1 1,4,7,10 *"
	DefaultYearlySpec    = "10 0 1 1 *"
	DefaultSweepSpec     = "0 1 * * *"
)

// ErrTimerRegistration wraps a failure to register one timer.
var ErrTimerRegistration = errors.New("scheduler: timer registration failed")

// ErrUnknownTimer indicates a timer name that was never configured.
var ErrUnknownTimer = errors.New("scheduler: unknown timer")

// TargetEngine is the rollover engine driven by the scheduler.
type TargetEngine interface {
	RolloverDuePeriods(ctx context.Context, kind periods.Kind, now time.Time) (targets.RunResult, error)
	SweepExpired(ctx context.Context, now time.Time) (targets.RunResult, error)
}

// CronRegistry is the subset of asynq.Scheduler used here.
type CronRegistry interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
	Unregister(entryID string) error
	Start() error
	Shutdown()
}

// ScheduleSpecs overrides the cron expression of each timer.
type ScheduleSpecs struct {
	Monthly   string
	Quarterly string
	Yearly    string
	Sweep     string
}

func (s ScheduleSpecs) withDefaults() ScheduleSpecs {
	if s.Monthly == "" {
		s.Monthly = DefaultMonthlySpec
	}
	if s.Quarterly == "" {
		s.Quarterly = DefaultQuarterlySpec
	}
	if s.Yearly == "" {
		s.Yearly = DefaultYearlySpec
	}
	if s.Sweep == "" {
		s.Sweep = DefaultSweepSpec
	}
	return s
}

// SchedulerConfig collects the scheduler dependencies.
type SchedulerConfig struct {
	Engine  TargetEngine
	Cron    CronRegistry
	RunLog  *RunLog
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	Specs   ScheduleSpecs
}

type timer struct {
	name    string
	spec    string
	task    *asynq.Task
	entryID string
}

// TimerStatus reports the state of one named timer.
type TimerStatus struct {
	Name      string     `json:"name"`
	Spec      string     `json:"spec"`
	Scheduled bool       `json:"scheduled"`
	EntryID   string     `json:"entry_id,omitempty"`
	InFlight  int        `json:"in_flight"`
	LastRun   *RunRecord `json:"last_run,omitempty"`
}

// SchedulerStatus is the observability snapshot returned by Status.
type SchedulerStatus struct {
	Running  bool          `json:"running"`
	Location string        `json:"location"`
	Timers   []TimerStatus `json:"timers"`
}

// Scheduler owns the calendar timers that drive target rollovers and the
// manual triggers sharing the same code path.
type Scheduler struct {
	engine  TargetEngine
	cron    CronRegistry
	runLog  *RunLog
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	clock   func() time.Time

	mu       sync.Mutex
	started  bool
	order    []string
	timers   map[string]*timer
	inflight map[string]int
	last     map[string]RunRecord
}

// NewScheduler constructs the scheduler. Timers are registered on Start.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("scheduler: engine not configured")
	}
	specs := cfg.Specs.withDefaults()
	s := &Scheduler{
		engine:   cfg.Engine,
		cron:     cfg.Cron,
		runLog:   cfg.RunLog,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		timers:   make(map[string]*timer),
		inflight: make(map[string]int),
		last:     make(map[string]RunRecord),
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}

	rollovers := []struct {
		name string
		spec string
		kind periods.Kind
	}{
		{TimerMonthlyRollover, specs.Monthly, periods.Monthly},
		{TimerQuarterlyRollover, specs.Quarterly, periods.Quarterly},
		{TimerYearlyRollover, specs.Yearly, periods.Yearly},
	}
	for _, r := range rollovers {
		task, err := NewRolloverTask(r.kind, TriggerCron)
		if err != nil {
			return nil, err
		}
		s.addTimer(r.name, r.spec, task)
	}
	sweep, err := NewExpirySweepTask(TriggerCron)
	if err != nil {
		return nil, err
	}
	s.addTimer(TimerExpirySweep, specs.Sweep, sweep)
	return s, nil
}

// NewCronRegistry returns an asynq scheduler evaluating specs in UTC.
func NewCronRegistry(redisOpts asynq.RedisClientOpt) *asynq.Scheduler {
	return asynq.NewScheduler(redisOpts, &asynq.SchedulerOpts{Location: time.UTC})
}

func (s *Scheduler) addTimer(name, spec string, task *asynq.Task) {
	s.order = append(s.order, name)
	s.timers[name] = &timer{name: name, spec: spec, task: task}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *Scheduler) WithClock(clock func() time.Time) {
	if s != nil && clock != nil {
		s.clock = clock
	}
}

// Start registers every timer and starts the cron loop. A timer that fails
// to register is logged and reported while the others keep running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return errors.New("scheduler: cron registry not configured")
	}
	if s.started {
		return nil
	}

	var regErrs []error
	for _, name := range s.order {
		if err := s.registerLocked(s.timers[name]); err != nil {
			s.log().Error("register timer", slog.String("timer", name), slog.Any("error", err))
			regErrs = append(regErrs, err)
		}
	}
	if err := s.cron.Start(); err != nil {
		return fmt.Errorf("scheduler: start cron: %w", err)
	}
	s.started = true
	s.log().Info("scheduler started", slog.Int("timers", len(s.order)-len(regErrs)), slog.String("location", time.UTC.String()))
	return errors.Join(regErrs...)
}

// Stop cancels all future firings. Runs already in progress complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	for _, name := range s.order {
		s.timers[name].entryID = ""
	}
	s.cron.Shutdown()
	s.started = false
	s.log().Info("scheduler stopped")
}

// StartTimer registers a single named timer.
func (s *Scheduler) StartTimer(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTimer, name)
	}
	if s.cron == nil {
		return errors.New("scheduler: cron registry not configured")
	}
	return s.registerLocked(t)
}

// StopTimer unregisters a single named timer.
func (s *Scheduler) StopTimer(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTimer, name)
	}
	if t.entryID == "" {
		return nil
	}
	if err := s.cron.Unregister(t.entryID); err != nil {
		return fmt.Errorf("scheduler: unregister %s: %w", name, err)
	}
	t.entryID = ""
	s.log().Info("timer stopped", slog.String("timer", name))
	return nil
}

func (s *Scheduler) registerLocked(t *timer) error {
	if t.entryID != "" {
		return nil
	}
	// Unique collapses the duplicate enqueues of processes sharing Redis.
	id, err := s.cron.Register(t.spec, t.task, asynq.Unique(time.Hour))
	if err != nil {
		return fmt.Errorf("%w: %s (%s): %v", ErrTimerRegistration, t.name, t.spec, err)
	}
	t.entryID = id
	return nil
}

// Status reports which timers are scheduled, which runs are in flight and
// the last result of each timer.
func (s *Scheduler) Status(ctx context.Context) SchedulerStatus {
	s.mu.Lock()
	status := SchedulerStatus{Running: s.started, Location: time.UTC.String()}
	for _, name := range s.order {
		t := s.timers[name]
		ts := TimerStatus{
			Name:      name,
			Spec:      t.spec,
			Scheduled: t.entryID != "",
			EntryID:   t.entryID,
			InFlight:  s.inflight[name],
		}
		if rec, ok := s.last[name]; ok {
			rec := rec
			ts.LastRun = &rec
		}
		status.Timers = append(status.Timers, ts)
	}
	s.mu.Unlock()

	if s.runLog == nil {
		return status
	}
	now := s.now()
	for i := range status.Timers {
		ts := &status.Timers[i]
		if n, err := s.runLog.InFlight(ctx, ts.Name, now); err != nil {
			s.log().Warn("run log in-flight", slog.String("timer", ts.Name), slog.Any("error", err))
		} else if n > ts.InFlight {
			ts.InFlight = n
		}
		if rec, err := s.runLog.Last(ctx, ts.Name); err != nil {
			s.log().Warn("run log last", slog.String("timer", ts.Name), slog.Any("error", err))
		} else if rec != nil && (ts.LastRun == nil || rec.StartedAt.After(ts.LastRun.StartedAt)) {
			ts.LastRun = rec
		}
	}
	return status
}

// RolloverByPeriod runs the rollover engine for one period kind.
func (s *Scheduler) RolloverByPeriod(ctx context.Context, kind periods.Kind) (targets.RunResult, error) {
	return s.rollover(ctx, kind, TriggerManual)
}

// SweepExpired runs the expiry sweep for one-off targets.
func (s *Scheduler) SweepExpired(ctx context.Context) (targets.RunResult, error) {
	return s.sweep(ctx, TriggerManual)
}

// TriggerImmediateRollover runs the monthly, quarterly and yearly rollovers
// in sequence. A failing kind does not prevent the next one from running.
func (s *Scheduler) TriggerImmediateRollover(ctx context.Context) ([]targets.RunResult, error) {
	results := make([]targets.RunResult, 0, len(periods.Kinds()))
	var errs []error
	for _, kind := range periods.Kinds() {
		res, err := s.rollover(ctx, kind, TriggerManual)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// HandleRolloverTask processes TaskTargetRollover tasks.
func (s *Scheduler) HandleRolloverTask(ctx context.Context, t *asynq.Task) error {
	var payload RolloverPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if !payload.Period.Valid() {
		s.log().Error("rollover task with unknown period", slog.String("period", string(payload.Period)))
		return asynq.SkipRetry
	}
	_, err := s.rollover(ctx, payload.Period, triggerOrCron(payload.Trigger))
	return err
}

// HandleExpirySweepTask processes TaskTargetExpirySweep tasks.
func (s *Scheduler) HandleExpirySweepTask(ctx context.Context, t *asynq.Task) error {
	var payload ExpirySweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	_, err := s.sweep(ctx, triggerOrCron(payload.Trigger))
	return err
}

// TaskHandlers returns the asynq handlers served by the worker.
func (s *Scheduler) TaskHandlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskTargetRollover, Handler: s.HandleRolloverTask},
		{Type: TaskTargetExpirySweep, Handler: s.HandleExpirySweepTask},
	}
}

func (s *Scheduler) rollover(ctx context.Context, kind periods.Kind, trigger string) (targets.RunResult, error) {
	name := rolloverTimerName(kind)
	if name == "" {
		return targets.RunResult{PeriodType: kind, Message: "unknown period kind"}, fmt.Errorf("%w: %q", periods.ErrUnknownKind, kind)
	}
	return s.run(ctx, name, trigger, func(ctx context.Context, now time.Time) (targets.RunResult, error) {
		return s.engine.RolloverDuePeriods(ctx, kind, now)
	})
}

func (s *Scheduler) sweep(ctx context.Context, trigger string) (targets.RunResult, error) {
	return s.run(ctx, TimerExpirySweep, trigger, func(ctx context.Context, now time.Time) (targets.RunResult, error) {
		return s.engine.SweepExpired(ctx, now)
	})
}

// run executes fn with in-flight bookkeeping, metrics and panic recovery.
// fn gets a context detached from the caller's cancellation: a request
// timeout or a task deadline must not abort a batch halfway through.
func (s *Scheduler) run(ctx context.Context, name, trigger string, fn func(ctx context.Context, now time.Time) (targets.RunResult, error)) (result targets.RunResult, resultErr error) {
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	rec := RunRecord{RunID: uuid.NewString(), Name: name, Trigger: trigger, StartedAt: now}
	logger := s.log().With(slog.String("timer", name), slog.String("trigger", trigger), slog.String("run_id", rec.RunID))

	s.mu.Lock()
	s.inflight[name]++
	s.mu.Unlock()
	if err := s.runLog.Begin(ctx, rec); err != nil {
		logger.Warn("run log begin", slog.Any("error", err))
	}

	tracker := s.jobMetrics().Track(name)
	defer func() {
		if r := recover(); r != nil {
			resultErr = fmt.Errorf("scheduler: %s panicked: %v", name, r)
			result.Success = false
			result.Message = resultErr.Error()
		}
		resultErr = tracker.End(resultErr)

		finished := s.now()
		rec.FinishedAt = &finished
		rec.Result = &result
		if resultErr != nil {
			rec.Error = resultErr.Error()
			logger.Error("scheduled run failed", slog.Any("error", resultErr))
		}
		s.mu.Lock()
		s.inflight[name]--
		s.last[name] = rec
		s.mu.Unlock()
		if err := s.runLog.Finish(ctx, rec); err != nil {
			logger.Warn("run log finish", slog.Any("error", err))
		}
	}()

	logger.Info("scheduled run started")
	result, resultErr = fn(ctx, now)
	return result, resultErr
}

func rolloverTimerName(kind periods.Kind) string {
	switch kind {
	case periods.Monthly:
		return TimerMonthlyRollover
	case periods.Quarterly:
		return TimerQuarterlyRollover
	case periods.Yearly:
		return TimerYearlyRollover
	}
	return ""
}

func (s *Scheduler) jobMetrics() *jobmetrics.Metrics {
	if s != nil && s.metrics != nil {
		return s.metrics
	}
	return defaultJobMetrics
}

func (s *Scheduler) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger.With(slog.String("component", "scheduler"))
	}
	return slog.Default().With(slog.String("component", "scheduler"))
}

func (s *Scheduler) now() time.Time {
	if s != nil && s.clock != nil {
		return s.clock()
	}
	return time.Now().UTC()
}
