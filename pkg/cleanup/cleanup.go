// Package cleanup periodically deletes terminal jobs past their
// retention age. Lifecycle (ticker, Start/Stop/stopCh) follows the
// same ticker-driven shape as pkg/scheduler;
// per-sweep failures are aggregated rather than aborting the sweep,
// matching pkg/recovery's errutils.MultiError pattern.
package cleanup

import (
	"fmt"
	"time"

	"github.com/samson-media/barn/pkg/jobstore"
	"github.com/samson-media/barn/pkg/log"
	"github.com/samson-media/barn/pkg/metrics"
	"github.com/samson-media/barn/pkg/types"
	"oss.nandlabs.io/golly/errutils"
)

// Config holds sweep parameters.
type Config struct {
	Interval time.Duration
	MaxAge   time.Duration

	// KeepFailedJobs, when true, applies MaxAgeFailed instead of MaxAge
	// to jobs in state FAILED. When false, FAILED jobs age out under
	// the same MaxAge as every other terminal state.
	KeepFailedJobs bool
	MaxAgeFailed   time.Duration
}

func (c Config) interval() time.Duration {
	if c.Interval <= 0 {
		return time.Hour
	}
	return c.Interval
}

func (c Config) maxAgeFor(state types.JobState) time.Duration {
	if c.KeepFailedJobs && state == types.JobStateFailed && c.MaxAgeFailed > 0 {
		return c.MaxAgeFailed
	}
	return c.MaxAge
}

// Sweeper runs the periodic terminal-job reaper.
type Sweeper struct {
	store *jobstore.Store

	cfg     Config
	stopCh  chan struct{}
	stopped chan struct{}
}

// New returns a Sweeper.
func New(store *jobstore.Store, cfg Config) *Sweeper {
	return &Sweeper{store: store, cfg: cfg}
}

// Result summarizes one sweep.
type Result struct {
	Scanned int
	Deleted []string
	Errors  *errutils.MultiError
}

// Start begins the periodic sweep loop on its own goroutine.
func (s *Sweeper) Start() {
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.run()
}

// Stop ends the sweep loop. It does not wait on an in-flight sweep
// beyond its natural completion, since a sweep never blocks on jobs.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.stopped
}

func (s *Sweeper) run() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.cfg.interval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Sweep(false); err != nil {
				log.Errorf("cleanup: sweep", err)
			}
		}
	}
}

// Sweep deletes every terminal job whose age exceeds its configured
// retention threshold. When dryRun is true, no deletion occurs and
// Result.Deleted lists what would have been removed.
func (s *Sweeper) Sweep(dryRun bool) (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CleanupDuration)

	jobs, err := s.store.FindAll()
	if err != nil {
		return Result{}, fmt.Errorf("cleanup: list jobs: %w", err)
	}

	counts := map[types.JobState]int{}
	for _, job := range jobs {
		counts[job.State]++
	}
	for _, state := range types.AllJobStates {
		metrics.JobsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}

	result := Result{Errors: &errutils.MultiError{}}
	now := time.Now()

	for _, job := range jobs {
		if !job.State.IsTerminal() {
			continue
		}
		result.Scanned++

		if !expired(job, s.cfg, now) {
			continue
		}

		result.Deleted = append(result.Deleted, job.ID)
		if dryRun {
			continue
		}
		if err := s.store.Delete(job.ID); err != nil {
			result.Errors.Add(fmt.Errorf("delete %s: %w", job.ID, err))
			continue
		}
		metrics.CleanupDeletedTotal.Inc()
	}

	if result.Errors.HasErrors() {
		log.Error(result.Errors.Error())
	}

	return result, nil
}

func expired(job *types.Job, cfg Config, now time.Time) bool {
	reference := job.FinishedAt
	if reference.IsZero() {
		reference = job.CreatedAt
	}
	return now.Sub(reference) > cfg.maxAgeFor(job.State)
}
