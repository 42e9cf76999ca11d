package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/odyssey-targets/internal/jobs"
	"github.com/odyssey-erp/odyssey-targets/internal/periods"
	"github.com/odyssey-erp/odyssey-targets/internal/targets"
)

type fakeCron struct {
	mu          sync.Mutex
	failSpec    string
	registered  map[string]string
	unregisters []string
	started     bool
	shutdown    bool
	seq         int
}

func newFakeCron() *fakeCron {
	return &fakeCron{registered: make(map[string]string)}
}

func (f *fakeCron) Register(spec string, task *asynq.Task, opts ...asynq.Option) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if spec == f.failSpec {
		return "", errors.New("bad cron spec")
	}
	f.seq++
	id := "entry-" + strconv.Itoa(f.seq)
	f.registered[id] = spec
	return id, nil
}

func (f *fakeCron) Unregister(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.registered[id]; !ok {
		return errors.New("no such entry")
	}
	delete(f.registered, id)
	f.unregisters = append(f.unregisters, id)
	return nil
}

func (f *fakeCron) Start() error {
	f.started = true
	return nil
}

func (f *fakeCron) Shutdown() {
	f.shutdown = true
}

type fakeEngine struct {
	mu        sync.Mutex
	calls     []periods.Kind
	sweeps    int
	failKind  periods.Kind
	panicKind periods.Kind
	release   chan struct{}
	entered   chan struct{}
	ctxErrs   []error
}

func (f *fakeEngine) RolloverDuePeriods(ctx context.Context, kind periods.Kind, now time.Time) (targets.RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, kind)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if kind == f.panicKind {
		panic("boom")
	}
	if kind == f.failKind {
		return targets.RunResult{PeriodType: kind, Message: "list failed"}, errors.New("list failed")
	}
	return targets.RunResult{Success: true, PeriodType: kind, TotalFound: 2, RolledOver: 1, Skipped: 1}, nil
}

func (f *fakeEngine) SweepExpired(ctx context.Context, now time.Time) (targets.RunResult, error) {
	f.mu.Lock()
	f.sweeps++
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()
	return targets.RunResult{Success: true, TotalFound: 1, Expired: 1}, nil
}

func newTestScheduler(t *testing.T, engine TargetEngine, cron CronRegistry, runLog *RunLog) *Scheduler {
	t.Helper()
	s, err := NewScheduler(SchedulerConfig{
		Engine:  engine,
		Cron:    cron,
		RunLog:  runLog,
		Metrics: jobmetrics.NewMetrics(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	s.WithClock(func() time.Time { return time.Date(2024, 2, 1, 0, 1, 0, 0, time.UTC) })
	return s
}

func TestSchedulerStartRegistersAllTimers(t *testing.T) {
	cron := newFakeCron()
	s := newTestScheduler(t, &fakeEngine{}, cron, nil)

	require.NoError(t, s.Start())
	assert.True(t, cron.started)
	assert.Len(t, cron.registered, 4)

	status := s.Status(context.Background())
	assert.True(t, status.Running)
	assert.Equal(t, "UTC", status.Location)
	require.Len(t, status.Timers, 4)
	names := make([]string, 0, len(status.Timers))
	for _, ts := range status.Timers {
		assert.True(t, ts.Scheduled, ts.Name)
		names = append(names, ts.Name)
	}
	assert.Equal(t, []string{TimerMonthlyRollover, TimerQuarterlyRollover, TimerYearlyRollover, TimerExpirySweep}, names)
	assert.Equal(t, DefaultQuarterlySpec, status.Timers[1].Spec)
}

func TestSchedulerStartKeepsOtherTimersOnRegistrationFailure(t *testing.T) {
	cron := newFakeCron()
	cron.failSpec = DefaultYearlySpec
	s := newTestScheduler(t, &fakeEngine{}, cron, nil)

	err := s.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimerRegistration)
	assert.True(t, cron.started)
	assert.Len(t, cron.registered, 3)

	for _, ts := range s.Status(context.Background()).Timers {
		assert.Equal(t, ts.Name != TimerYearlyRollover, ts.Scheduled, ts.Name)
	}
}

func TestSchedulerStopAndTimerControl(t *testing.T) {
	cron := newFakeCron()
	s := newTestScheduler(t, &fakeEngine{}, cron, nil)
	require.NoError(t, s.Start())

	require.NoError(t, s.StopTimer(TimerExpirySweep))
	assert.Len(t, cron.registered, 3)
	require.NoError(t, s.StopTimer(TimerExpirySweep))
	assert.Len(t, cron.unregisters, 1)

	require.NoError(t, s.StartTimer(TimerExpirySweep))
	assert.Len(t, cron.registered, 4)

	err := s.StartTimer("weekly-rollover")
	assert.ErrorIs(t, err, ErrUnknownTimer)

	s.Stop()
	assert.True(t, cron.shutdown)
	status := s.Status(context.Background())
	assert.False(t, status.Running)
	for _, ts := range status.Timers {
		assert.False(t, ts.Scheduled)
	}
}

func TestSchedulerStartWithoutCronRegistry(t *testing.T) {
	s := newTestScheduler(t, &fakeEngine{}, nil, nil)
	require.Error(t, s.Start())
}

func TestNewSchedulerRequiresEngine(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{})
	require.Error(t, err)
}

func TestRolloverByPeriodRecordsLastRun(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestScheduler(t, engine, newFakeCron(), nil)

	res, err := s.RolloverByPeriod(context.Background(), periods.Quarterly)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.RolledOver)
	assert.Equal(t, []periods.Kind{periods.Quarterly}, engine.calls)

	status := s.Status(context.Background())
	last := status.Timers[1].LastRun
	require.NotNil(t, last)
	assert.Equal(t, TimerQuarterlyRollover, last.Name)
	assert.Equal(t, TriggerManual, last.Trigger)
	assert.NotEmpty(t, last.RunID)
	require.NotNil(t, last.Result)
	assert.Equal(t, 1, last.Result.RolledOver)
	assert.Empty(t, last.Error)
}

func TestRolloverByPeriodRejectsUnknownKind(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestScheduler(t, engine, newFakeCron(), nil)

	_, err := s.RolloverByPeriod(context.Background(), periods.Kind("weekly"))
	assert.ErrorIs(t, err, periods.ErrUnknownKind)
	assert.Empty(t, engine.calls)
}

func TestTriggerImmediateRolloverRunsAllKindsInOrder(t *testing.T) {
	engine := &fakeEngine{failKind: periods.Quarterly}
	s := newTestScheduler(t, engine, newFakeCron(), nil)

	results, err := s.TriggerImmediateRollover(context.Background())
	require.Error(t, err)
	assert.Equal(t, []periods.Kind{periods.Monthly, periods.Quarterly, periods.Yearly}, engine.calls)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, results[2].Success)
}

func TestSchedulerRecoversEnginePanic(t *testing.T) {
	engine := &fakeEngine{panicKind: periods.Monthly}
	s := newTestScheduler(t, engine, newFakeCron(), nil)

	res, err := s.RolloverByPeriod(context.Background(), periods.Monthly)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.False(t, res.Success)

	status := s.Status(context.Background())
	assert.Zero(t, status.Timers[0].InFlight)
	require.NotNil(t, status.Timers[0].LastRun)
	assert.Contains(t, status.Timers[0].LastRun.Error, "boom")

	// The next run is unaffected.
	res, err = s.RolloverByPeriod(context.Background(), periods.Yearly)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestStatusReportsInFlightRun(t *testing.T) {
	engine := &fakeEngine{release: make(chan struct{}), entered: make(chan struct{})}
	s := newTestScheduler(t, engine, newFakeCron(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RolloverByPeriod(context.Background(), periods.Monthly)
	}()
	<-engine.entered
	assert.Equal(t, 1, s.Status(context.Background()).Timers[0].InFlight)
	close(engine.release)
	<-done
	assert.Zero(t, s.Status(context.Background()).Timers[0].InFlight)
}

func TestSweepExpiredRecordsRun(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestScheduler(t, engine, newFakeCron(), nil)

	res, err := s.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, engine.sweeps)
	assert.NotNil(t, s.Status(context.Background()).Timers[3].LastRun)
}

func TestHandleRolloverTask(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestScheduler(t, engine, newFakeCron(), nil)

	task, err := NewRolloverTask(periods.Yearly, "")
	require.NoError(t, err)
	require.NoError(t, s.HandleRolloverTask(context.Background(), task))
	assert.Equal(t, []periods.Kind{periods.Yearly}, engine.calls)

	status := s.Status(context.Background())
	require.NotNil(t, status.Timers[2].LastRun)
	assert.Equal(t, TriggerCron, status.Timers[2].LastRun.Trigger)
}

func TestHandleRolloverTaskSkipsRetryOnBadPayload(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestScheduler(t, engine, newFakeCron(), nil)

	err := s.HandleRolloverTask(context.Background(), asynq.NewTask(TaskTargetRollover, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	body, _ := json.Marshal(RolloverPayload{Period: "weekly"})
	err = s.HandleRolloverTask(context.Background(), asynq.NewTask(TaskTargetRollover, body))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, engine.calls)
}

func TestHandleRolloverTaskReturnsBatchFailure(t *testing.T) {
	engine := &fakeEngine{failKind: periods.Monthly}
	s := newTestScheduler(t, engine, newFakeCron(), nil)

	task, err := NewRolloverTask(periods.Monthly, TriggerCron)
	require.NoError(t, err)
	require.Error(t, s.HandleRolloverTask(context.Background(), task))
}

func TestHandleExpirySweepTask(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestScheduler(t, engine, newFakeCron(), nil)

	task, err := NewExpirySweepTask(TriggerCron)
	require.NoError(t, err)
	require.NoError(t, s.HandleExpirySweepTask(context.Background(), task))
	assert.Equal(t, 1, engine.sweeps)

	err = s.HandleExpirySweepTask(context.Background(), asynq.NewTask(TaskTargetExpirySweep, []byte("nope")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestTaskHandlersCoverTaskTypes(t *testing.T) {
	s := newTestScheduler(t, &fakeEngine{}, newFakeCron(), nil)
	types := map[string]bool{}
	for _, h := range s.TaskHandlers() {
		types[h.Type] = true
	}
	assert.True(t, types[TaskTargetRollover])
	assert.True(t, types[TaskTargetExpirySweep])
}

func TestHandleTasksRecordPayloadTrigger(t *testing.T) {
	s := newTestScheduler(t, &fakeEngine{}, newFakeCron(), nil)

	task, err := NewRolloverTask(periods.Monthly, TriggerOperator)
	require.NoError(t, err)
	require.NoError(t, s.HandleRolloverTask(context.Background(), task))

	sweep, err := NewExpirySweepTask(TriggerOperator)
	require.NoError(t, err)
	require.NoError(t, s.HandleExpirySweepTask(context.Background(), sweep))

	status := s.Status(context.Background())
	require.NotNil(t, status.Timers[0].LastRun)
	assert.Equal(t, TriggerOperator, status.Timers[0].LastRun.Trigger)
	require.NotNil(t, status.Timers[3].LastRun)
	assert.Equal(t, TriggerOperator, status.Timers[3].LastRun.Trigger)
}

func TestRolloverTaskPayload(t *testing.T) {
	var payload RolloverPayload
	task, err := NewRolloverTask(periods.Quarterly, "")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, periods.Quarterly, payload.Period)
	assert.Empty(t, payload.Trigger)

	_, err = NewRolloverTask("weekly", TriggerCron)
	assert.ErrorIs(t, err, periods.ErrUnknownKind)
}

func TestRunsDetachFromCallerCancellation(t *testing.T) {
	engine := &fakeEngine{}
	s := newTestScheduler(t, engine, newFakeCron(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.RolloverByPeriod(ctx, periods.Monthly)
	require.NoError(t, err)
	_, err = s.SweepExpired(ctx)
	require.NoError(t, err)

	task, err := NewRolloverTask(periods.Yearly, TriggerCron)
	require.NoError(t, err)
	require.NoError(t, s.HandleRolloverTask(ctx, task))

	require.Len(t, engine.ctxErrs, 3)
	for _, ctxErr := range engine.ctxErrs {
		assert.NoError(t, ctxErr)
	}
}

// cancellingRepository cancels the caller's context after the first update
// and fails any later call made with a cancelled context.
type cancellingRepository struct {
	targets.Repository
	cancel  context.CancelFunc
	updates int
}

func (r *cancellingRepository) Update(ctx context.Context, t *targets.Target, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.updates++
	if r.updates == 1 {
		r.cancel()
	}
	return r.Repository.Update(ctx, t, expectedVersion)
}

func TestRolloverBatchSurvivesCancellationMidway(t *testing.T) {
	repo := targets.NewMemoryRepository()
	jan, err := periods.WindowFor(time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), periods.Monthly)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, repo.Create(context.Background(), &targets.Target{
			ID:                 "t-" + strconv.Itoa(i),
			CustomerCode:       "C-" + strconv.Itoa(i),
			AgentID:            "agent-1",
			TargetAmount:       decimal.NewFromInt(1000),
			Period:             periods.Monthly,
			IsRecurring:        true,
			CurrentPeriodStart: jan.Start,
			CurrentPeriodEnd:   jan.End,
			Deadline:           jan.End,
			AchievedAmount:     decimal.NewFromInt(400),
			Status:             targets.StatusActive,
			Version:            1,
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wrapped := &cancellingRepository{Repository: repo, cancel: cancel}
	engine := targets.NewEngine(wrapped, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	s := newTestScheduler(t, engine, newFakeCron(), nil)

	res, err := s.RolloverByPeriod(ctx, periods.Monthly)
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalFound)
	assert.Equal(t, 4, res.RolledOver)
	assert.Zero(t, res.Errors)
	assert.Equal(t, 4, wrapped.updates)
	require.Error(t, ctx.Err())

	got, err := repo.Get(context.Background(), "t-3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.PeriodSeq)
}
