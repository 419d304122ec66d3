// Package jobstore is the job repository: the single owner of the set
// of jobs persisted under a layout.Layout, built on pkg/statefile and
// pkg/atomicfile. Method shapes (Create/Get/List/Update/Delete per
// entity) follow a familiar repository-over-a-store shape; the storage medium here
// is one file per field rather than a bucketed key-value database.
package jobstore

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samson-media/barn/pkg/barnerr"
	"github.com/samson-media/barn/pkg/layout"
	"github.com/samson-media/barn/pkg/log"
	"github.com/samson-media/barn/pkg/metrics"
	"github.com/samson-media/barn/pkg/statefile"
	"github.com/samson-media/barn/pkg/types"
)

// Store is the on-disk job repository.
type Store struct {
	layout *layout.Layout
}

// New returns a Store rooted at l. l.Initialize must already have run.
func New(l *layout.Layout) *Store {
	return &Store{layout: l}
}

// Create materializes a new job directory in state QUEUED.
func (s *Store) Create(command []string, tag string, cfg types.JobConfig) (*types.Job, error) {
	id := uuid.NewString()
	if err := s.layout.CreateJobDirs(id); err != nil {
		return nil, fmt.Errorf("jobstore: create %s: %w: %v", id, barnerr.ErrStorageError, err)
	}

	sf := statefile.New(s.layout, id)
	now := time.Now().UTC()

	writers := []func() error{
		func() error { return sf.WriteCommand(command) },
		func() error { return sf.WriteTag(tag) },
		func() error { return sf.WriteJobConfig(cfg) },
		func() error { return sf.WriteCreatedAt(now) },
		func() error { return sf.WriteState(types.JobStateQueued) },
	}
	for _, write := range writers {
		if err := write(); err != nil {
			return nil, fmt.Errorf("jobstore: initialize %s: %w: %v", id, barnerr.ErrStorageError, err)
		}
	}

	return &types.Job{
		ID:        id,
		Command:   command,
		Tag:       tag,
		State:     types.JobStateQueued,
		CreatedAt: now,
		Config:    cfg,
	}, nil
}

// FindByID loads a job by id. It returns (nil, nil) if the directory
// is absent or only partially initialized (no state file yet) —
// callers must treat a nil, nil result as "not found".
func (s *Store) FindByID(id string) (*types.Job, error) {
	if !s.layout.JobExists(id) {
		return nil, nil
	}
	sf := statefile.New(s.layout, id)

	state, found, err := sf.ReadState()
	if err != nil {
		return nil, fmt.Errorf("jobstore: read state %s: %w: %v", id, barnerr.ErrStorageError, err)
	}
	if !found {
		log.Info(fmt.Sprintf("skipping job %s with no state file (partial directory)", id))
		return nil, nil
	}

	job := &types.Job{ID: id, State: state}

	if command, found, err := sf.ReadCommand(); err != nil {
		return nil, wrapStorageErr(id, "command", err)
	} else if found {
		job.Command = command
	}
	if tag, _, err := sf.ReadTag(); err != nil {
		return nil, wrapStorageErr(id, "tag", err)
	} else {
		job.Tag = tag
	}
	if createdAt, _, err := sf.ReadCreatedAt(); err != nil {
		return nil, wrapStorageErr(id, "created_at", err)
	} else {
		job.CreatedAt = createdAt
	}
	if startedAt, _, err := sf.ReadStartedAt(); err != nil {
		return nil, wrapStorageErr(id, "started_at", err)
	} else {
		job.StartedAt = startedAt
	}
	if finishedAt, _, err := sf.ReadFinishedAt(); err != nil {
		return nil, wrapStorageErr(id, "finished_at", err)
	} else {
		job.FinishedAt = finishedAt
	}
	if exitCode, _, err := sf.ReadExitCode(); err != nil {
		return nil, wrapStorageErr(id, "exit_code", err)
	} else {
		job.ExitCode = exitCode
	}
	if errMsg, _, err := sf.ReadError(); err != nil {
		return nil, wrapStorageErr(id, "error", err)
	} else {
		job.Error = errMsg
	}
	if pid, _, err := sf.ReadPID(); err != nil {
		return nil, wrapStorageErr(id, "pid", err)
	} else {
		job.PID = pid
	}
	if procStart, _, err := sf.ReadProcessStartedAt(); err != nil {
		return nil, wrapStorageErr(id, "proc_start", err)
	} else {
		job.ProcessStartedAt = procStart
	}
	if hb, _, err := sf.ReadHeartbeat(); err != nil {
		return nil, wrapStorageErr(id, "heartbeat", err)
	} else {
		job.Heartbeat = hb
	}
	if retryCount, _, err := sf.ReadRetryCount(); err != nil {
		return nil, wrapStorageErr(id, "retry_count", err)
	} else {
		job.RetryCount = retryCount
	}
	if retryAt, _, err := sf.ReadRetryAt(); err != nil {
		return nil, wrapStorageErr(id, "retry_at", err)
	} else {
		job.RetryAt = retryAt
	}
	if history, err := sf.ReadRetryHistory(); err != nil {
		return nil, wrapStorageErr(id, "retry_history", err)
	} else {
		job.RetryHistory = history
	}
	if cfg, _, err := sf.ReadJobConfig(); err != nil {
		return nil, wrapStorageErr(id, "job_config", err)
	} else {
		job.Config = cfg
	}

	return job, nil
}

func wrapStorageErr(id, field string, err error) error {
	return fmt.Errorf("jobstore: read %s for %s: %w: %v", field, id, barnerr.ErrStorageError, err)
}

// FindAll enumerates every job directory, skipping and logging any
// entry that fails to load.
func (s *Store) FindAll() ([]*types.Job, error) {
	ids, err := s.listJobIDs()
	if err != nil {
		return nil, err
	}

	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.FindByID(id)
		if err != nil {
			log.Errorf(fmt.Sprintf("skipping job %s", id), err)
			continue
		}
		if job == nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// FindByState filters FindAll to jobs currently in state s.
func (s *Store) FindByState(state types.JobState) ([]*types.Job, error) {
	all, err := s.FindAll()
	if err != nil {
		return nil, err
	}
	filtered := make([]*types.Job, 0, len(all))
	for _, job := range all {
		if job.State == state {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

// MarkStarted transitions QUEUED -> RUNNING, writing started_at, pid,
// the process start time (when non-zero), and the initial heartbeat,
// then state last.
func (s *Store) MarkStarted(id string, pid int, processStartedAt int64) error {
	job, err := s.requireJob(id)
	if err != nil {
		return err
	}
	if job.State != types.JobStateQueued {
		return fmt.Errorf("jobstore: mark_started %s: current state %s: %w", id, job.State, barnerr.ErrInvalidState)
	}

	sf := statefile.New(s.layout, id)
	now := time.Now().UTC()

	if err := sf.WriteStartedAt(now); err != nil {
		return wrapStorageErr(id, "started_at", err)
	}
	if err := sf.WritePID(pid); err != nil {
		return wrapStorageErr(id, "pid", err)
	}
	if processStartedAt != 0 {
		if err := sf.WriteProcessStartedAt(processStartedAt); err != nil {
			return wrapStorageErr(id, "proc_start", err)
		}
	}
	if err := sf.WriteHeartbeat(now); err != nil {
		return wrapStorageErr(id, "heartbeat", err)
	}
	if err := sf.WriteState(types.JobStateRunning); err != nil {
		return wrapStorageErr(id, "state", err)
	}
	return nil
}

// UpdateHeartbeat refreshes the heartbeat timestamp for a running job.
func (s *Store) UpdateHeartbeat(id string, ts time.Time) error {
	sf := statefile.New(s.layout, id)
	if err := sf.WriteHeartbeat(ts); err != nil {
		return wrapStorageErr(id, "heartbeat", err)
	}
	return nil
}

// Outcome describes how a completed attempt should be recorded.
type Outcome int

const (
	// OutcomeAuto lets the exit code decide SUCCEEDED vs FAILED.
	OutcomeAuto Outcome = iota
	OutcomeCanceled
)

// MarkCompleted writes finished_at, exit_code, and an optional error
// message before flipping state to the terminal outcome. Data fields
// are written before state so a crash mid-transition leaves the job
// RUNNING for recovery to handle.
func (s *Store) MarkCompleted(id string, exitCode types.ExitCode, errMsg string, outcome Outcome) error {
	sf := statefile.New(s.layout, id)
	now := time.Now().UTC()

	if err := sf.WriteFinishedAt(now); err != nil {
		return wrapStorageErr(id, "finished_at", err)
	}
	if err := sf.WriteExitCode(exitCode); err != nil {
		return wrapStorageErr(id, "exit_code", err)
	}
	if errMsg != "" {
		if err := sf.WriteError(errMsg); err != nil {
			return wrapStorageErr(id, "error", err)
		}
	}

	state := terminalStateFor(exitCode, outcome)
	if err := sf.WriteState(state); err != nil {
		return wrapStorageErr(id, "state", err)
	}
	return nil
}

func terminalStateFor(exitCode types.ExitCode, outcome Outcome) types.JobState {
	if outcome == OutcomeCanceled {
		return types.JobStateCanceled
	}
	if n, ok := exitCode.Int(); ok && n == 0 {
		return types.JobStateSucceeded
	}
	return types.JobStateFailed
}

// Requeue transitions a finished attempt back to QUEUED for retry:
// finished_at/exit_code/error are written, retry_count is incremented,
// retry_history gets a new entry, retry_at is set, then state flips
// back to QUEUED last.
func (s *Store) Requeue(id string, exitCode types.ExitCode, errMsg string, retryAt time.Time) error {
	sf := statefile.New(s.layout, id)
	now := time.Now().UTC()

	if err := sf.WriteFinishedAt(now); err != nil {
		return wrapStorageErr(id, "finished_at", err)
	}
	if err := sf.WriteExitCode(exitCode); err != nil {
		return wrapStorageErr(id, "exit_code", err)
	}
	if errMsg != "" {
		if err := sf.WriteError(errMsg); err != nil {
			return wrapStorageErr(id, "error", err)
		}
	}

	retryCount, _, err := sf.ReadRetryCount()
	if err != nil {
		return wrapStorageErr(id, "retry_count", err)
	}
	retryCount++
	if err := sf.WriteRetryCount(retryCount); err != nil {
		return wrapStorageErr(id, "retry_count", err)
	}
	if err := sf.AppendRetryHistory(types.RetryAttempt{
		AttemptedAt: now,
		ExitCode:    exitCode,
		Error:       errMsg,
		NextRetryAt: retryAt,
	}); err != nil {
		return wrapStorageErr(id, "retry_history", err)
	}
	if err := sf.WriteRetryAt(retryAt); err != nil {
		return wrapStorageErr(id, "retry_at", err)
	}
	if err := sf.WriteState(types.JobStateQueued); err != nil {
		return wrapStorageErr(id, "state", err)
	}
	metrics.JobsRetriedTotal.Inc()
	return nil
}

// MarkKilled transitions a job to terminal KILLED with a symbolic exit
// code and an explanatory error.
func (s *Store) MarkKilled(id string, symbolicExitCode string, reason string) error {
	sf := statefile.New(s.layout, id)
	now := time.Now().UTC()

	if err := sf.WriteFinishedAt(now); err != nil {
		return wrapStorageErr(id, "finished_at", err)
	}
	if err := sf.WriteExitCode(types.NewSymbolicExitCode(symbolicExitCode)); err != nil {
		return wrapStorageErr(id, "exit_code", err)
	}
	if err := sf.WriteError(reason); err != nil {
		return wrapStorageErr(id, "error", err)
	}
	if err := sf.WriteState(types.JobStateKilled); err != nil {
		return wrapStorageErr(id, "state", err)
	}
	return nil
}

// UpdateState performs a low-level state transition with no field
// side-effects, used where the caller has already written any
// accompanying data fields.
func (s *Store) UpdateState(id string, newState types.JobState) error {
	sf := statefile.New(s.layout, id)
	if err := sf.WriteState(newState); err != nil {
		return wrapStorageErr(id, "state", err)
	}
	return nil
}

// Delete removes a job directory. It rejects jobs in RUNNING or
// QUEUED: only terminal jobs may be deleted.
func (s *Store) Delete(id string) error {
	job, err := s.requireJob(id)
	if err != nil {
		return err
	}
	if job.State == types.JobStateRunning || job.State == types.JobStateQueued {
		return fmt.Errorf("jobstore: delete %s: state %s is not terminal: %w", id, job.State, barnerr.ErrInvalidState)
	}
	if err := s.layout.DeleteJobDir(id); err != nil {
		return fmt.Errorf("jobstore: delete %s: %w: %v", id, barnerr.ErrStorageError, err)
	}
	return nil
}

func (s *Store) requireJob(id string) (*types.Job, error) {
	job, err := s.FindByID(id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("jobstore: %s: %w", id, barnerr.ErrJobNotFound)
	}
	return job, nil
}

func (s *Store) listJobIDs() ([]string, error) {
	dirEntries, err := os.ReadDir(s.layout.JobsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobstore: list jobs: %w: %v", barnerr.ErrStorageError, err)
	}
	ids := make([]string, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
