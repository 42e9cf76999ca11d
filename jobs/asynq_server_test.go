package jobs

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubQueueInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubQueueInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func queueHealth(t *testing.T, inspector QueueInspector) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(inspector, nil).MountRoutes)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	return rr
}

func TestQueueHealthReportsInspectorCounts(t *testing.T) {
	rr := queueHealth(t, stubQueueInspector{info: &asynq.QueueInfo{
		Queue: QueueDefault, Pending: 2, Active: 1, Retry: 1, Archived: 4,
	}})
	require.Equal(t, http.StatusOK, rr.Code)

	var body QueueHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, QueueHealth{Queue: QueueDefault, Pending: 2, Active: 1, Retry: 1, Archived: 4}, body)
}

func TestQueueHealthWithoutInspector(t *testing.T) {
	rr := queueHealth(t, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"queue":"default","pending":0,"active":0,"scheduled":0,"retry":0,"archived":0,"paused":false}`, rr.Body.String())
}

func TestQueueHealthInspectorFailure(t *testing.T) {
	rr := queueHealth(t, stubQueueInspector{err: errors.New("redis down")})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.NotContains(t, rr.Body.String(), "redis down")
}

func TestNewWorkerMountsSchedulerHandlers(t *testing.T) {
	scheduler, err := NewScheduler(SchedulerConfig{Engine: &fakeEngine{}})
	require.NoError(t, err)

	w, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Scheduler: scheduler,
	})
	require.NoError(t, err)

	for _, taskType := range []string{TaskTargetRollover, TaskTargetExpirySweep} {
		task := asynq.NewTask(taskType, []byte(`{`))
		_, pattern := w.mux.Handler(task)
		assert.Equal(t, taskType, pattern)
	}
}
