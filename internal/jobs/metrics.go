package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs      *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	lastOK    *prometheus.GaugeVec
	running   *prometheus.GaugeVec
	rollovers *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name and counts it as running
// until End is called.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil || job == "" {
		return &Tracker{job: job, start: time.Now()}
	}
	m.running.WithLabelValues(job).Inc()
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	t.metrics.running.WithLabelValues(t.job).Dec()
	status := "success"
	if err == nil {
		t.metrics.lastOK.WithLabelValues(t.job).SetToCurrentTime()
	} else {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddRollovers increments the per-target outcome counter for a period kind.
func (m *Metrics) AddRollovers(period, outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.rollovers.WithLabelValues(period, outcome).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"job"})
	lastOK := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "odyssey_job_last_success_timestamp_seconds",
		Help: "Unix time of the last successful run per job.",
	}, []string{"job"})
	running := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "odyssey_job_running",
		Help: "Job executions currently in progress in this process.",
	}, []string{"job"})
	rollovers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_target_rollovers_total",
		Help: "Per-target rollover and expiry outcomes grouped by period kind.",
	}, []string{"period", "outcome"})
	registerer.MustRegister(runs, failures, duration, lastOK, running, rollovers)
	return &Metrics{runs: runs, failures: failures, duration: duration, lastOK: lastOK, running: running, rollovers: rollovers}
}
