// Package metrics exposes the daemon's prometheus instrumentation.
// The gauge and histogram set covers barn's job lifecycle: counts by
// state, scheduling latency, runner duration, cleanup sweeps.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "barn_jobs_total",
			Help: "Current number of jobs by state",
		},
		[]string{"state"},
	)

	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "barn_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
	)

	JobsDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "barn_jobs_dispatched_total",
			Help: "Total number of jobs handed to a runner",
		},
	)

	JobsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barn_jobs_skipped_total",
			Help: "Total number of eligible jobs skipped in a dispatch cycle, by reason",
		},
		[]string{"reason"},
	)

	JobsRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "barn_jobs_retried_total",
			Help: "Total number of jobs requeued for retry",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "barn_scheduling_latency_seconds",
			Help:    "Time taken to run one scheduler dispatch cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RunnerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "barn_runner_duration_seconds",
			Help:    "Time taken to execute a job to a terminal outcome in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "barn_recovery_duration_seconds",
			Help:    "Time taken for the startup crash-recovery pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoveredOrphansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barn_recovered_orphans_total",
			Help: "Total number of orphaned jobs settled at startup, by outcome",
		},
		[]string{"outcome"},
	)

	CleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "barn_cleanup_duration_seconds",
			Help:    "Time taken for a cleanup sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CleanupDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "barn_cleanup_deleted_total",
			Help: "Total number of terminal jobs deleted by cleanup sweeps",
		},
	)

	IPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "barn_ipc_requests_total",
			Help: "Total number of IPC requests by type and status",
		},
		[]string{"type", "status"},
	)

	IPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "barn_ipc_request_duration_seconds",
			Help:    "IPC request duration in seconds by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsDispatchedTotal)
	prometheus.MustRegister(JobsSkippedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(RunnerDuration)
	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(RecoveredOrphansTotal)
	prometheus.MustRegister(CleanupDuration)
	prometheus.MustRegister(CleanupDeletedTotal)
	prometheus.MustRegister(IPCRequestsTotal)
	prometheus.MustRegister(IPCRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later observation against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
