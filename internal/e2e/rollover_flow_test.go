package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-targets/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-targets/internal/jobs"
	"github.com/odyssey-erp/odyssey-targets/internal/targets"
	targetshttp "github.com/odyssey-erp/odyssey-targets/internal/targets/http"
	"github.com/odyssey-erp/odyssey-targets/jobs"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

type harness struct {
	router    http.Handler
	clock     *clock
	scheduler *jobs.Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := &clock{now: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
	repo := targets.NewMemoryRepository()
	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())

	service := targets.NewService(repo, nil)
	service.WithClock(clk.Now)

	scheduler, err := jobs.NewScheduler(jobs.SchedulerConfig{
		Engine:  targets.NewEngine(repo, nil, metrics),
		RunLog:  jobs.NewRunLog(rdb, time.Hour),
		Metrics: metrics,
	})
	require.NoError(t, err)
	scheduler.WithClock(clk.Now)

	router := app.NewRouter(app.RouterParams{
		Config:        &app.Config{AppEnv: "test", AdminRateLimit: 100},
		TargetHandler: targetshttp.NewHandler(nil, service, scheduler),
	})
	return &harness{router: router, clock: clk, scheduler: scheduler}
}

func (h *harness) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	if out != nil && rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), out), rr.Body.String())
	}
	return rr.Code
}

func TestMonthlyTargetLifecycle(t *testing.T) {
	h := newHarness(t)

	var created targets.Target
	code := h.do(t, http.MethodPost, "/targets", map[string]any{
		"customer_code": "CUST-001",
		"customer_name": "Sinar Jaya",
		"agent_id":      "agent-01",
		"target_amount": "1000",
		"period":        "monthly",
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "2024-01", created.CurrentLabel())

	var updated targets.Target
	code = h.do(t, http.MethodPost, "/targets/"+created.ID+"/achievements", map[string]any{
		"amount":      "750",
		"source_type": "order",
		"source_ref":  "SO-1",
	}, &updated)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, updated.AchievementRate.Equal(decimal.NewFromInt(75)))

	code = h.do(t, http.MethodPost, "/targets/"+created.ID+"/achievements", map[string]any{"amount": "-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	// Before the month ends nothing is due.
	var res targets.RunResult
	code = h.do(t, http.MethodPost, "/targets/scheduler/rollover/monthly", nil, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, res.TotalFound)

	h.clock.now = time.Date(2024, 2, 1, 0, 1, 0, 0, time.UTC)
	code = h.do(t, http.MethodPost, "/targets/scheduler/rollover/monthly", nil, &res)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.RolledOver)

	// A second trigger finds nothing left to do.
	code = h.do(t, http.MethodPost, "/targets/scheduler/rollover/monthly", nil, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, res.TotalFound)

	var current targets.Target
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/targets/"+created.ID, nil, &current))
	assert.Equal(t, "2024-02", current.CurrentLabel())
	assert.True(t, current.AchievedAmount.IsZero())
	assert.Empty(t, current.Orders)
	require.Len(t, current.History, 1)
	assert.Equal(t, "2024-01", current.History[0].Period)
	assert.True(t, current.History[0].AchievedAmount.Equal(decimal.NewFromInt(750)))
	assert.True(t, current.History[0].AchievementRate.Equal(decimal.NewFromInt(75)))

	var status jobs.SchedulerStatus
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/targets/scheduler/status", nil, &status))
	require.NotNil(t, status.Timers[0].LastRun)
	assert.Equal(t, jobs.TimerMonthlyRollover, status.Timers[0].LastRun.Name)
}

func TestOneOffTargetExpires(t *testing.T) {
	h := newHarness(t)

	var created targets.Target
	code := h.do(t, http.MethodPost, "/targets", map[string]any{
		"customer_code": "CUST-009",
		"customer_name": "Karya Abadi",
		"agent_id":      "agent-02",
		"target_amount": "500",
		"period":        "quarterly",
		"is_recurring":  false,
	}, &created)
	require.Equal(t, http.StatusCreated, code)

	h.clock.now = time.Date(2024, 4, 2, 1, 0, 0, 0, time.UTC)
	var results struct {
		Success bool                `json:"success"`
		Results []targets.RunResult `json:"results"`
	}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/targets/scheduler/rollover", nil, &results))
	assert.True(t, results.Success)
	for _, r := range results.Results {
		assert.Zero(t, r.RolledOver)
	}

	var sweep targets.RunResult
	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/targets/scheduler/sweep", nil, &sweep))
	assert.Equal(t, 1, sweep.Expired)

	var current targets.Target
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/targets/"+created.ID, nil, &current))
	assert.Equal(t, targets.StatusExpired, current.Status)
	assert.Empty(t, current.History)

	code = h.do(t, http.MethodPost, "/targets/"+created.ID+"/achievements", map[string]any{"amount": "10"}, nil)
	assert.Equal(t, http.StatusConflict, code)

	var list struct {
		Items []targets.Target `json:"items"`
		Total int              `json:"total"`
	}
	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/targets?status=expired", nil, &list))
	assert.Equal(t, 1, list.Total)
}

func TestQueuedYearlyTaskRecordsCronTrigger(t *testing.T) {
	h := newHarness(t)
	h.clock.now = time.Date(2025, 1, 1, 0, 10, 0, 0, time.UTC)

	task, err := jobs.NewRolloverTask("yearly", jobs.TriggerCron)
	require.NoError(t, err)
	require.NoError(t, h.scheduler.HandleRolloverTask(context.Background(), task))

	status := h.scheduler.Status(context.Background())
	require.NotNil(t, status.Timers[2].LastRun)
	assert.Equal(t, "cron", status.Timers[2].LastRun.Trigger)
}
