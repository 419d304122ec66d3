// Package scheduler runs the daemon's main dispatch loop: on every
// tick it counts running jobs, selects eligible queued jobs FIFO, and
// hands as many as capacity allows to the runner on worker goroutines.
// Lifecycle is Start/Stop over a ticker and a stopCh; the dispatch
// body is a plain job-queue rather than node placement.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samson-media/barn/pkg/jobstore"
	"github.com/samson-media/barn/pkg/layout"
	"github.com/samson-media/barn/pkg/log"
	"github.com/samson-media/barn/pkg/metrics"
	"github.com/samson-media/barn/pkg/runner"
	"github.com/samson-media/barn/pkg/types"
)

// Config holds the parameters that govern dispatch.
type Config struct {
	MaxConcurrentJobs int
	PollInterval      time.Duration
	// ShutdownGrace bounds how long Stop waits for in-flight runners
	// before returning; it does not forcibly kill children itself —
	// that is the runner's job via the job's own timeout/kill path.
	ShutdownGrace time.Duration
}

func (c Config) pollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return time.Second
	}
	return c.PollInterval
}

func (c Config) maxConcurrentJobs() int {
	if c.MaxConcurrentJobs <= 0 {
		return 1
	}
	return c.MaxConcurrentJobs
}

// Scheduler is the single per-daemon dispatch loop.
type Scheduler struct {
	store  *jobstore.Store
	layout *layout.Layout
	runner *runner.Runner

	mu       sync.RWMutex
	cfg      Config
	stopCh   chan struct{}
	stopped  chan struct{}
	inflight sync.WaitGroup
}

// New returns a Scheduler. cfg may be updated later via SetConfig for reload.
func New(store *jobstore.Store, l *layout.Layout, r *runner.Runner, cfg Config) *Scheduler {
	return &Scheduler{
		store:  store,
		layout: l,
		runner: r,
		cfg:    cfg,
	}
}

// SetConfig updates the live dispatch parameters. Safe to call while running.
func (s *Scheduler) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Scheduler) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Start begins the dispatch loop on its own goroutine. It returns
// immediately; call Stop to end the loop and wait for in-flight jobs.
func (s *Scheduler) Start() {
	s.stopCh = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.run()
}

// Stop ends the dispatch loop and waits for in-flight runners, bounded
// by the configured shutdown grace period. A grace of zero waits
// unboundedly.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.stopped

	grace := s.config().ShutdownGrace
	if grace <= 0 {
		s.inflight.Wait()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("scheduler: shutdown grace period elapsed with jobs still in flight")
	}
}

func (s *Scheduler) run() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.config().pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.tick(); err != nil {
				log.Errorf("scheduler: dispatch cycle", err)
			}
		}
	}
}

// tick runs one dispatch cycle: count running, select eligible queued
// jobs FIFO, dispatch up to remaining capacity.
func (s *Scheduler) tick() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	cfg := s.config()

	running, err := s.store.FindByState(types.JobStateRunning)
	if err != nil {
		return fmt.Errorf("scheduler: count running: %w", err)
	}
	capacity := cfg.maxConcurrentJobs() - len(running)
	if capacity <= 0 {
		return nil
	}

	queued, err := s.store.FindByState(types.JobStateQueued)
	if err != nil {
		return fmt.Errorf("scheduler: list queued: %w", err)
	}

	eligible := selectEligible(queued, time.Now())
	if len(eligible) > capacity {
		eligible = eligible[:capacity]
	}

	for _, job := range eligible {
		s.dispatch(job.ID)
	}
	return nil
}

// selectEligible filters to jobs whose retry_at is absent or past, and
// orders the result FIFO: created_at ascending, ties broken by id.
func selectEligible(queued []*types.Job, now time.Time) []*types.Job {
	eligible := make([]*types.Job, 0, len(queued))
	for _, job := range queued {
		if job.RetryAt.IsZero() || !job.RetryAt.After(now) {
			eligible = append(eligible, job)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible
}

// dispatch hands id to the runner on its own worker goroutine. The
// runner owns the actual job-lock acquisition (filelock.TryAcquire on
// the same path the scheduler would probe): a contended lock means
// another runner already owns the job, and Run returns nil without
// error, so nothing is logged here; the runner itself counts the skip,
// while this method counts every hand-off as dispatched.
func (s *Scheduler) dispatch(id string) {
	metrics.JobsDispatchedTotal.Inc()
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		runTimer := metrics.NewTimer()
		if err := s.runner.Run(id); err != nil {
			log.Errorf(fmt.Sprintf("scheduler: run %s", id), err)
		}
		runTimer.ObserveDuration(metrics.RunnerDuration)
	}()
}
