package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-targets/internal/jobs"
	"github.com/odyssey-erp/odyssey-targets/internal/periods"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTargetRollover advances elapsed recurring targets of one period kind.
	TaskTargetRollover = "targets:rollover"
	// TaskTargetExpirySweep expires elapsed one-off targets.
	TaskTargetExpirySweep = "targets:expiry_sweep"

	// taskMaxRetry bounds redelivery of a failed run; the next timer firing
	// picks up whatever a failed run left behind.
	taskMaxRetry = 3
	// taskTimeout replaces asynq's 30 minute default. Batches run detached
	// from the task context, so this only bounds how long a worker slot is held.
	taskTimeout = 2 * time.Hour
)

// Trigger values recorded in the run log.
const (
	TriggerCron     = "cron"
	TriggerManual   = "manual"
	TriggerOperator = "operator"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// RolloverPayload selects the period kind to roll over.
type RolloverPayload struct {
	Period  periods.Kind `json:"period"`
	Trigger string       `json:"trigger,omitempty"`
}

// ExpirySweepPayload carries scheduling metadata for the sweep.
type ExpirySweepPayload struct {
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	Trigger      string     `json:"trigger,omitempty"`
}

// NewRolloverTask constructs an Asynq task for a rollover of kind. An empty
// trigger is recorded as TriggerCron.
func NewRolloverTask(kind periods.Kind, trigger string) (*asynq.Task, error) {
	if !kind.Valid() {
		return nil, periods.ErrUnknownKind
	}
	body, err := json.Marshal(RolloverPayload{Period: kind, Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTargetRollover, body, taskOptions()...), nil
}

// NewExpirySweepTask constructs an Asynq task for the expiry sweep.
func NewExpirySweepTask(trigger string) (*asynq.Task, error) {
	body, err := json.Marshal(ExpirySweepPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTargetExpirySweep, body, taskOptions()...), nil
}

func taskOptions() []asynq.Option {
	return []asynq.Option{
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(taskMaxRetry),
		asynq.Timeout(taskTimeout),
	}
}

func triggerOrCron(trigger string) string {
	if trigger == "" {
		return TriggerCron
	}
	return trigger
}
