// Package runner executes one QUEUED job end to end: acquire its
// lock, spawn the command, stream output to log files, maintain a
// heartbeat, and record the terminal outcome, using a plain os/exec
// child in place of a container lifecycle.
package runner

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/samson-media/barn/pkg/filelock"
	"github.com/samson-media/barn/pkg/heartbeat"
	"github.com/samson-media/barn/pkg/jobstore"
	"github.com/samson-media/barn/pkg/layout"
	"github.com/samson-media/barn/pkg/log"
	"github.com/samson-media/barn/pkg/metrics"
	"github.com/samson-media/barn/pkg/procutil"
	"github.com/samson-media/barn/pkg/retry"
	"github.com/samson-media/barn/pkg/types"
)

// Runner executes individual jobs.
type Runner struct {
	layout         *layout.Layout
	store          *jobstore.Store
	staleThreshold time.Duration
}

// New returns a Runner. staleThreshold sets both the heartbeat
// interval (roughly a third of it) and the window recovery uses to
// judge a RUNNING job orphaned.
func New(l *layout.Layout, store *jobstore.Store, staleThreshold time.Duration) *Runner {
	return &Runner{layout: l, store: store, staleThreshold: staleThreshold}
}

// Run attempts to execute job id. It returns nil both when the job
// runs to a terminal state and when the lock could not be acquired
// (another runner already owns it) — callers distinguish by checking
// logs, not the return value, matching the scheduler's "skip on
// contention" dispatch model.
func (r *Runner) Run(id string) error {
	lockPath := r.layout.JobLockPath(id)
	lock, ok, err := filelock.TryAcquire(lockPath)
	if err != nil {
		return fmt.Errorf("runner: acquire lock for %s: %w", id, err)
	}
	if !ok {
		metrics.JobsSkippedTotal.WithLabelValues("lock_contended").Inc()
		return nil
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Errorf(fmt.Sprintf("runner: release lock for %s", id), err)
		}
	}()

	job, err := r.store.FindByID(id)
	if err != nil {
		return fmt.Errorf("runner: load %s: %w", id, err)
	}
	if job == nil {
		return fmt.Errorf("runner: job %s vanished before execution", id)
	}
	if job.State != types.JobStateQueued {
		metrics.JobsSkippedTotal.WithLabelValues("not_queued").Inc()
		return nil
	}
	if !job.RetryAt.IsZero() && job.RetryAt.After(time.Now()) {
		metrics.JobsSkippedTotal.WithLabelValues("retry_not_due").Inc()
		return nil
	}

	return r.execute(job)
}

func (r *Runner) execute(job *types.Job) error {
	id := job.ID
	jlog := log.WithJobID(id)
	jlog.Debug().Strs("command", job.Command).Msg("starting job")

	stdout, err := openAppendLog(r.layout.JobStdoutLog(id))
	if err != nil {
		return fmt.Errorf("runner: open stdout log for %s: %w", id, err)
	}
	defer stdout.Close()

	stderr, err := openAppendLog(r.layout.JobStderrLog(id))
	if err != nil {
		return fmt.Errorf("runner: open stderr log for %s: %w", id, err)
	}
	defer stderr.Close()

	if len(job.Command) == 0 {
		return fmt.Errorf("runner: job %s has an empty command", id)
	}

	cmd := exec.Command(job.Command[0], job.Command[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("runner: start %s: %w", id, err)
	}

	pid := cmd.Process.Pid
	processStartedAt, _ := procutil.StartTime(pid)

	if err := r.store.MarkStarted(id, pid, processStartedAt); err != nil {
		// The child is already running; best effort kill it rather than
		// leak it, since we cannot record it as ours.
		procutil.KillTree(pid, true)
		return fmt.Errorf("runner: mark_started %s: %w", id, err)
	}

	stopHeartbeat := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go r.heartbeatLoop(id, stopHeartbeat, &hbWG)

	exitCode, waitErr := r.wait(cmd, job.Config)

	close(stopHeartbeat)
	hbWG.Wait()

	return r.finish(job, exitCode, waitErr)
}

func (r *Runner) heartbeatLoop(id string, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	interval := heartbeat.Interval(r.staleThreshold)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := r.store.UpdateHeartbeat(id, time.Now().UTC()); err != nil {
				log.Errorf(fmt.Sprintf("runner: heartbeat update for %s", id), err)
			}
		}
	}
}

// wait blocks for the child to exit, optionally bounded by a timeout.
// It returns the resulting ExitCode; the error result is always nil,
// and a wait failure that leaves no process state is reported as exit
// code -1.
func (r *Runner) wait(cmd *exec.Cmd, cfg types.JobConfig) (types.ExitCode, error) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if cfg.DefaultTimeoutSeconds <= 0 {
		err := <-done
		return exitCodeFromWait(cmd, err), nil
	}

	timeout := time.Duration(cfg.DefaultTimeoutSeconds) * time.Second
	select {
	case err := <-done:
		return exitCodeFromWait(cmd, err), nil
	case <-time.After(timeout):
		procutil.KillTree(cmd.Process.Pid, true)
		<-done // reap the process once the kill lands
		return types.NewSymbolicExitCode(types.ExitCodeTimeout), nil
	}
}

func exitCodeFromWait(cmd *exec.Cmd, waitErr error) types.ExitCode {
	if cmd.ProcessState != nil {
		return types.NewNumericExitCode(cmd.ProcessState.ExitCode())
	}
	if waitErr != nil {
		return types.NewNumericExitCode(-1)
	}
	return types.NewNumericExitCode(0)
}

func (r *Runner) finish(job *types.Job, exitCode types.ExitCode, _ error) error {
	id := job.ID

	current, err := r.store.FindByID(id)
	if err != nil {
		return fmt.Errorf("runner: reload %s before finish: %w", id, err)
	}
	if current != nil && current.State == types.JobStateCanceled {
		// The kill handler already flipped state to CANCELED; just record
		// the exit data without re-queueing or overwriting the outcome.
		return r.store.MarkCompleted(id, exitCode, "canceled by request", jobstore.OutcomeCanceled)
	}

	decision := retry.Evaluate(exitCode, job.RetryCount, job.Config, time.Now())
	if decision.ShouldRetry {
		errMsg := errMessageForExit(exitCode)
		if err := r.store.Requeue(id, exitCode, errMsg, decision.RetryAt); err != nil {
			return fmt.Errorf("runner: requeue %s: %w", id, err)
		}
		return nil
	}

	errMsg := errMessageForExit(exitCode)
	if err := r.store.MarkCompleted(id, exitCode, errMsg, jobstore.OutcomeAuto); err != nil {
		return fmt.Errorf("runner: mark_completed %s: %w", id, err)
	}
	return nil
}

func errMessageForExit(exitCode types.ExitCode) string {
	if n, ok := exitCode.Int(); ok {
		if n == 0 {
			return ""
		}
		return fmt.Sprintf("exited with status %d", n)
	}
	return fmt.Sprintf("exited with symbolic status %s", exitCode.String())
}

func openAppendLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
}
