package jobs

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-targets/internal/periods"
	"github.com/odyssey-erp/odyssey-targets/internal/targets"
)

func newTestRunLog(t *testing.T) *RunLog {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRunLog(client, time.Hour)
}

func TestRunLogBeginFinish(t *testing.T) {
	ctx := context.Background()
	log := newTestRunLog(t)
	started := time.Date(2024, 2, 1, 0, 1, 0, 0, time.UTC)

	last, err := log.Last(ctx, TimerMonthlyRollover)
	require.NoError(t, err)
	assert.Nil(t, last)

	rec := RunRecord{RunID: "run-1", Name: TimerMonthlyRollover, Trigger: TriggerCron, StartedAt: started}
	require.NoError(t, log.Begin(ctx, rec))

	n, err := log.InFlight(ctx, TimerMonthlyRollover, started.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	finished := started.Add(2 * time.Second)
	rec.FinishedAt = &finished
	rec.Result = &targets.RunResult{Success: true, PeriodType: periods.Monthly, TotalFound: 3, RolledOver: 3}
	require.NoError(t, log.Finish(ctx, rec))

	n, err = log.InFlight(ctx, TimerMonthlyRollover, started.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	last, err = log.Last(ctx, TimerMonthlyRollover)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "run-1", last.RunID)
	require.NotNil(t, last.Result)
	assert.Equal(t, 3, last.Result.RolledOver)
}

func TestRunLogInFlightIgnoresStaleRuns(t *testing.T) {
	ctx := context.Background()
	log := newTestRunLog(t)
	started := time.Date(2024, 2, 1, 0, 1, 0, 0, time.UTC)

	require.NoError(t, log.Begin(ctx, RunRecord{RunID: "crashed", Name: TimerExpirySweep, StartedAt: started}))

	n, err := log.InFlight(ctx, TimerExpirySweep, started.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNilRunLogIsNoop(t *testing.T) {
	var log *RunLog
	ctx := context.Background()
	require.NoError(t, log.Begin(ctx, RunRecord{}))
	require.NoError(t, log.Finish(ctx, RunRecord{}))
	rec, err := log.Last(ctx, TimerExpirySweep)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSchedulerStatusReadsSharedRunLog(t *testing.T) {
	ctx := context.Background()
	log := newTestRunLog(t)

	writer := newTestScheduler(t, &fakeEngine{}, newFakeCron(), log)
	_, err := writer.RolloverByPeriod(ctx, periods.Monthly)
	require.NoError(t, err)

	// A second process sharing the run log sees the result.
	reader := newTestScheduler(t, &fakeEngine{}, newFakeCron(), log)
	status := reader.Status(ctx)
	require.NotNil(t, status.Timers[0].LastRun)
	assert.Equal(t, TimerMonthlyRollover, status.Timers[0].LastRun.Name)
	require.NotNil(t, status.Timers[0].LastRun.Result)
	assert.Equal(t, 1, status.Timers[0].LastRun.Result.RolledOver)
}
