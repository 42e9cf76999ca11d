package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-targets/internal/periods"
	"github.com/odyssey-erp/odyssey-targets/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-targets/jobs"
)

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type queueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

type runHistory interface {
	Last(ctx context.Context, name string) (*jobs.RunRecord, error)
}

// JobsCLI wraps manual management helpers for the target scheduler tasks.
type JobsCLI struct {
	client    taskEnqueuer
	inspector queueInspector
	runs      runHistory
	redis     *redis.Client
}

// NewJobsCLI initialises the CLI helpers against the Redis instance the
// worker uses, credentials and database included.
func NewJobsCLI(conn cache.Options) (*JobsCLI, error) {
	if strings.TrimSpace(conn.Addr) == "" {
		return nil, errors.New("jobs cli: redis address required")
	}
	opts := conn.Asynq()
	rdb := cache.NewClient(conn)
	return &JobsCLI{
		client:    asynq.NewClient(opts),
		inspector: asynq.NewInspector(opts),
		runs:      jobs.NewRunLog(rdb, 0),
		redis:     rdb,
	}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	if c.inspector != nil {
		errs = append(errs, c.inspector.Close())
	}
	if c.client != nil {
		errs = append(errs, c.client.Close())
	}
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	return errors.Join(errs...)
}

// TriggerRollover enqueues a rollover of kind for the worker.
func (c *JobsCLI) TriggerRollover(ctx context.Context, kind periods.Kind) (*asynq.TaskInfo, error) {
	task, err := jobs.NewRolloverTask(kind, jobs.TriggerOperator)
	if err != nil {
		return nil, err
	}
	return c.enqueue(ctx, task)
}

// TriggerSweep enqueues an expiry sweep for the worker.
func (c *JobsCLI) TriggerSweep(ctx context.Context) (*asynq.TaskInfo, error) {
	task, err := jobs.NewExpirySweepTask(jobs.TriggerOperator)
	if err != nil {
		return nil, err
	}
	return c.enqueue(ctx, task)
}

func (c *JobsCLI) enqueue(ctx context.Context, task *asynq.Task) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueueContext(ctx, task)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}

// LastRuns returns the last recorded run of every scheduler timer.
func (c *JobsCLI) LastRuns(ctx context.Context) (map[string]*jobs.RunRecord, error) {
	if c == nil || c.runs == nil {
		return nil, errors.New("jobs cli: run log not configured")
	}
	out := make(map[string]*jobs.RunRecord)
	for _, name := range timerNames {
		rec, err := c.runs.Last(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = rec
	}
	return out, nil
}

var timerNames = []string{
	jobs.TimerMonthlyRollover,
	jobs.TimerQuarterlyRollover,
	jobs.TimerYearlyRollover,
	jobs.TimerExpirySweep,
}

// JobsOptions defines the arguments of the jobs command.
type JobsOptions struct {
	// Action is one of rollover, sweep, queue or runs.
	Action     string
	Period     string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// JobsCommand executes a jobs subcommand and returns the process exit code.
func (c *JobsCLI) JobsCommand(ctx context.Context, opts JobsOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	switch opts.Action {
	case "rollover":
		kinds := periods.Kinds()
		if strings.TrimSpace(opts.Period) != "" {
			kind, err := periods.ParseKind(opts.Period)
			if err != nil {
				_, _ = fmt.Fprintf(opts.Stderr, "jobs rollover: invalid period %q (expected monthly, quarterly or yearly)\n", opts.Period)
				return 1
			}
			kinds = []periods.Kind{kind}
		}
		var infos []*asynq.TaskInfo
		for _, kind := range kinds {
			info, err := c.TriggerRollover(ctx, kind)
			if err != nil {
				_, _ = fmt.Fprintf(opts.Stderr, "jobs rollover: %s: %v\n", kind, err)
				return 1
			}
			infos = append(infos, info)
		}
		return writeEnqueued(opts, infos)
	case "sweep":
		info, err := c.TriggerSweep(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "jobs sweep: %v\n", err)
			return 1
		}
		return writeEnqueued(opts, []*asynq.TaskInfo{info})
	case "queue":
		stats, err := c.InspectQueue(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "jobs queue: %v\n", err)
			return 1
		}
		if opts.JSONOutput {
			return writeJSON(opts, stats)
		}
		_, _ = fmt.Fprintf(opts.Stdout, "queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return 0
	case "runs":
		runs, err := c.LastRuns(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "jobs runs: %v\n", err)
			return 1
		}
		if opts.JSONOutput {
			return writeJSON(opts, runs)
		}
		renderRuns(opts.Stdout, runs)
		return 0
	default:
		_, _ = fmt.Fprintf(opts.Stderr, "jobs: unknown action %q (expected rollover, sweep, queue or runs)\n", opts.Action)
		return 2
	}
}

type enqueuedTask struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Queue string `json:"queue"`
}

func writeEnqueued(opts JobsOptions, infos []*asynq.TaskInfo) int {
	out := make([]enqueuedTask, 0, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		out = append(out, enqueuedTask{ID: info.ID, Type: info.Type, Queue: info.Queue})
	}
	if opts.JSONOutput {
		return writeJSON(opts, out)
	}
	for _, t := range out {
		_, _ = fmt.Fprintf(opts.Stdout, "enqueued %s id=%s queue=%s\n", t.Type, t.ID, t.Queue)
	}
	return 0
}

func writeJSON(opts JobsOptions, v any) int {
	if err := json.NewEncoder(opts.Stdout).Encode(v); err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "jobs: encode json: %v\n", err)
		return 1
	}
	return 0
}

func renderRuns(w io.Writer, runs map[string]*jobs.RunRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIMER\tSTARTED\tTRIGGER\tFOUND\tROLLED\tEXPIRED\tSKIPPED\tERRORS\tERROR")
	for _, name := range timerNames {
		rec := runs[name]
		if rec == nil {
			_, _ = fmt.Fprintf(tw, "%s\t-\t-\t-\t-\t-\t-\t-\t\n", name)
			continue
		}
		var found, rolled, expired, skipped, errs int
		if rec.Result != nil {
			found, rolled, expired = rec.Result.TotalFound, rec.Result.RolledOver, rec.Result.Expired
			skipped, errs = rec.Result.Skipped, rec.Result.Errors
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			name, rec.StartedAt.UTC().Format("2006-01-02T15:04:05Z"), rec.Trigger,
			found, rolled, expired, skipped, errs, rec.Error)
	}
	_ = tw.Flush()
}
