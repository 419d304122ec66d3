// Package recovery runs the one-shot startup scan that classifies
// every RUNNING job as live or orphaned and settles orphans, per
// the crash-recovery protocol: a scan-and-classify pass over every
// RUNNING job, translated from periodic cluster reconciliation to a
// single startup pass.
package recovery

import (
	"fmt"
	"time"

	"github.com/samson-media/barn/pkg/heartbeat"
	"github.com/samson-media/barn/pkg/jobstore"
	"github.com/samson-media/barn/pkg/log"
	"github.com/samson-media/barn/pkg/metrics"
	"github.com/samson-media/barn/pkg/procutil"
	"github.com/samson-media/barn/pkg/retry"
	"github.com/samson-media/barn/pkg/types"
	"oss.nandlabs.io/golly/errutils"
)

// Recoverer performs the startup recovery pass.
type Recoverer struct {
	store          *jobstore.Store
	staleThreshold time.Duration
}

// New returns a Recoverer. staleThreshold must match the heartbeat
// staleness window used by the runner.
func New(store *jobstore.Store, staleThreshold time.Duration) *Recoverer {
	return &Recoverer{store: store, staleThreshold: staleThreshold}
}

// Result summarizes one recovery pass. Errors is non-nil only if at
// least one orphan failed to settle; the pass still completes over
// every job rather than aborting on the first failure.
type Result struct {
	Scanned   int
	Orphaned  int
	Requeued  int
	Killed    int
	Anomalous int
	Errors    *errutils.MultiError
}

// Run scans every RUNNING job and settles orphans. It must be called
// while holding the scheduler lock, before the scheduler starts
// dispatching. It is idempotent: re-running after orphans are already
// settled finds nothing left in RUNNING and does nothing.
func (r *Recoverer) Run() (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RecoveryDuration)

	running, err := r.store.FindByState(types.JobStateRunning)
	if err != nil {
		return Result{}, fmt.Errorf("recovery: list running jobs: %w", err)
	}

	result := Result{Scanned: len(running), Errors: &errutils.MultiError{}}

	for _, job := range running {
		switch r.classify(job) {
		case statusLive:
			log.Errorf(fmt.Sprintf("recovery: anomaly, job %s RUNNING with live pid %d under a fresh scheduler lock", job.ID, job.PID), fmt.Errorf("unexpected live job at startup"))
			result.Anomalous++
			metrics.RecoveredOrphansTotal.WithLabelValues("anomalous").Inc()
		case statusOrphaned:
			result.Orphaned++
			requeued, err := r.settle(job)
			if err != nil {
				result.Errors.Add(fmt.Errorf("settle orphan %s: %w", job.ID, err))
				continue
			}
			if requeued {
				result.Requeued++
				metrics.RecoveredOrphansTotal.WithLabelValues("requeued").Inc()
			} else {
				result.Killed++
				metrics.RecoveredOrphansTotal.WithLabelValues("killed").Inc()
			}
		}
	}

	if result.Errors.HasErrors() {
		log.Error(result.Errors.Error())
	}

	return result, nil
}

type jobStatus int

const (
	statusLive jobStatus = iota
	statusOrphaned
)

func (r *Recoverer) classify(job *types.Job) jobStatus {
	if job.PID == 0 {
		return statusOrphaned
	}
	if !procutil.IsAlive(job.PID) {
		return statusOrphaned
	}
	if !procutil.MatchesStartTime(job.PID, job.ProcessStartedAt) {
		return statusOrphaned
	}
	if heartbeat.IsStale(job.Heartbeat, r.staleThreshold, time.Now()) {
		return statusOrphaned
	}
	return statusLive
}

// settle kills an orphan's process tree and then requeues or
// terminalizes it, reporting whether it was requeued.
func (r *Recoverer) settle(job *types.Job) (bool, error) {
	if job.PID != 0 {
		procutil.KillTree(job.PID, true)
	}

	// Recovery requeues immediately (retry_at=now) rather than applying
	// the runner's exponential backoff: an orphan was already waiting
	// through the daemon's downtime, so there is no reason to delay it
	// further once a fresh scheduler is up. The retry decision itself
	// (retry-count exhaustion and the retry_on_exit_codes filter, which
	// the symbolic killed_by_recovery code never matches) is the
	// runner's policy.
	decision := retry.Evaluate(types.NewSymbolicExitCode(types.ExitCodeKilledByRecovery), job.RetryCount, job.Config, time.Now())
	if decision.ShouldRetry {
		return true, r.store.Requeue(job.ID, types.NewSymbolicExitCode(types.ExitCodeKilledByRecovery), "orphaned at startup, requeued", time.Now().UTC())
	}
	return false, r.store.MarkKilled(job.ID, types.ExitCodeKilledByRecovery, "orphaned at startup, no retries remaining")
}
