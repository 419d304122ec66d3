// Package layout derives the deterministic, never-mutable-at-runtime
// paths of barn's on-disk directory tree from a single base directory.
package layout

import (
	"fmt"
	"os"
	"path/filepath"

	"oss.nandlabs.io/golly/fsutils"
)

// Layout exposes the canonical paths under a base directory.
type Layout struct {
	base string
}

// New returns a Layout rooted at base. base is not created or validated.
func New(base string) *Layout {
	return &Layout{base: base}
}

// Base returns the root directory.
func (l *Layout) Base() string { return l.base }

// JobsDir returns <base>/jobs.
func (l *Layout) JobsDir() string { return filepath.Join(l.base, "jobs") }

// JobDir returns <base>/jobs/<id>.
func (l *Layout) JobDir(id string) string { return filepath.Join(l.JobsDir(), id) }

// LocksDir returns <base>/locks.
func (l *Layout) LocksDir() string { return filepath.Join(l.base, "locks") }

// SchedulerLockPath returns <base>/locks/scheduler.lock.
func (l *Layout) SchedulerLockPath() string { return filepath.Join(l.LocksDir(), "scheduler.lock") }

// JobLockPath returns <base>/locks/job-<id>.lock.
func (l *Layout) JobLockPath(id string) string {
	return filepath.Join(l.LocksDir(), fmt.Sprintf("job-%s.lock", id))
}

// DaemonLogDir returns <base>/logs (the daemon's own log, not job logs).
func (l *Layout) DaemonLogDir() string { return filepath.Join(l.base, "logs") }

// DaemonLogFile returns <base>/logs/barn.log.
func (l *Layout) DaemonLogFile() string { return filepath.Join(l.DaemonLogDir(), "barn.log") }

// SocketPath returns <base>/barn.sock.
func (l *Layout) SocketPath() string { return filepath.Join(l.base, "barn.sock") }

// JobWorkInputDir returns <base>/jobs/<id>/work/input.
func (l *Layout) JobWorkInputDir(id string) string {
	return filepath.Join(l.JobDir(id), "work", "input")
}

// JobWorkOutputDir returns <base>/jobs/<id>/work/output.
func (l *Layout) JobWorkOutputDir(id string) string {
	return filepath.Join(l.JobDir(id), "work", "output")
}

// JobLogsDir returns <base>/jobs/<id>/logs.
func (l *Layout) JobLogsDir(id string) string { return filepath.Join(l.JobDir(id), "logs") }

// JobStdoutLog returns <base>/jobs/<id>/logs/stdout.log.
func (l *Layout) JobStdoutLog(id string) string { return filepath.Join(l.JobLogsDir(id), "stdout.log") }

// JobStderrLog returns <base>/jobs/<id>/logs/stderr.log.
func (l *Layout) JobStderrLog(id string) string { return filepath.Join(l.JobLogsDir(id), "stderr.log") }

// JobFieldPath returns <base>/jobs/<id>/<field>, the file backing one
// state field for a job.
func (l *Layout) JobFieldPath(id, field string) string {
	return filepath.Join(l.JobDir(id), field)
}

// Initialize idempotently creates jobs/, locks/, and logs/ under base.
func (l *Layout) Initialize() error {
	for _, dir := range []string{l.JobsDir(), l.LocksDir(), l.DaemonLogDir()} {
		if err := ensureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// CreateJobDirs creates the full directory skeleton for one job:
// work/input, work/output, and logs.
func (l *Layout) CreateJobDirs(id string) error {
	for _, dir := range []string{l.JobWorkInputDir(id), l.JobWorkOutputDir(id), l.JobLogsDir(id)} {
		if err := ensureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// DeleteJobDir removes the entire <base>/jobs/<id> tree.
func (l *Layout) DeleteJobDir(id string) error {
	if err := os.RemoveAll(l.JobDir(id)); err != nil {
		return fmt.Errorf("layout: delete job dir %s: %w", id, err)
	}
	return nil
}

// JobExists reports whether a job directory has been created for id.
func (l *Layout) JobExists(id string) bool {
	return fsutils.DirExists(l.JobDir(id))
}

func ensureDir(dir string) error {
	if fsutils.DirExists(dir) {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("layout: mkdir %s: %w", dir, err)
	}
	return nil
}
