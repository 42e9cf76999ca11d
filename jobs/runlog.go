package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-targets/internal/targets"
)

const runLogPrefix = "targets:scheduler"

// RunRecord describes one execution of a scheduler timer or manual trigger.
type RunRecord struct {
	RunID      string             `json:"run_id"`
	Name       string             `json:"name"`
	Trigger    string             `json:"trigger"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Result     *targets.RunResult `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// RunLog keeps the last result and in-flight runs per timer in Redis so
// every process sees the same scheduler status.
type RunLog struct {
	client *redis.Client
	// staleAfter bounds how long an unfinished run counts as in flight.
	staleAfter time.Duration
}

// NewRunLog constructs a Redis backed run log.
func NewRunLog(client *redis.Client, staleAfter time.Duration) *RunLog {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	return &RunLog{client: client, staleAfter: staleAfter}
}

func lastKey(name string) string     { return runLogPrefix + ":last:" + name }
func inflightKey(name string) string { return runLogPrefix + ":inflight:" + name }

// Begin marks rec as in flight.
func (l *RunLog) Begin(ctx context.Context, rec RunRecord) error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.ZAdd(ctx, inflightKey(rec.Name), redis.Z{
		Score:  float64(rec.StartedAt.Unix()),
		Member: rec.RunID,
	}).Err()
}

// Finish clears the in-flight marker and stores rec as the last run.
func (l *RunLog) Finish(ctx context.Context, rec RunRecord) error {
	if l == nil || l.client == nil {
		return nil
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := l.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey(rec.Name), rec.RunID)
	pipe.Set(ctx, lastKey(rec.Name), body, 0)
	_, err = pipe.Exec(ctx)
	return err
}

// Last returns the most recent finished run for name, or nil.
func (l *RunLog) Last(ctx context.Context, name string) (*RunRecord, error) {
	if l == nil || l.client == nil {
		return nil, nil
	}
	raw, err := l.client.Get(ctx, lastKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec RunRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// InFlight counts unfinished runs for name started within the staleness window.
func (l *RunLog) InFlight(ctx context.Context, name string, now time.Time) (int, error) {
	if l == nil || l.client == nil {
		return 0, nil
	}
	floor := strconv.FormatInt(now.Add(-l.staleAfter).Unix(), 10)
	n, err := l.client.ZCount(ctx, inflightKey(name), floor, "+inf").Result()
	return int(n), err
}
