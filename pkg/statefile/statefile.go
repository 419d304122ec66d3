// Package statefile gives typed read/write access to the per-field
// files that make up a job directory, built on pkg/atomicfile and
// pkg/layout. One exported field name maps to exactly one file.
package statefile

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samson-media/barn/pkg/atomicfile"
	"github.com/samson-media/barn/pkg/layout"
	"github.com/samson-media/barn/pkg/types"
)

// Field names, one per on-disk file under a job directory.
const (
	FieldState        = "state"
	FieldCommand      = "command"
	FieldTag          = "tag"
	FieldCreatedAt    = "created_at"
	FieldStartedAt    = "started_at"
	FieldFinishedAt   = "finished_at"
	FieldExitCode     = "exit_code"
	FieldError        = "error"
	FieldPID          = "pid"
	FieldProcStart    = "proc_start"
	FieldHeartbeat    = "heartbeat"
	FieldRetryCount   = "retry_count"
	FieldRetryAt      = "retry_at"
	FieldRetryHistory = "retry_history"
	FieldJobConfig    = "job_config"
)

// timeLayout is ISO-8601 UTC with second precision, matching the
// wire format for all timestamp fields.
const timeLayout = time.RFC3339

// Store reads and writes the fields of a single job directory.
type Store struct {
	layout *layout.Layout
	id     string
}

// New returns a Store for job id under l.
func New(l *layout.Layout, id string) *Store {
	return &Store{layout: l, id: id}
}

func (s *Store) path(field string) string {
	return s.layout.JobFieldPath(s.id, field)
}

// --- generic helpers ---

func (s *Store) writeString(field, value string) error {
	if err := atomicfile.WriteAtomic(s.path(field), []byte(value)); err != nil {
		return fmt.Errorf("statefile: write %s: %w", field, err)
	}
	return nil
}

func (s *Store) readString(field string) (string, bool, error) {
	data, found, err := atomicfile.ReadOrNone(s.path(field))
	if err != nil {
		return "", false, fmt.Errorf("statefile: read %s: %w", field, err)
	}
	if !found {
		return "", false, nil
	}
	return string(data), true, nil
}

func (s *Store) writeTime(field string, t time.Time) error {
	return s.writeString(field, t.UTC().Format(timeLayout))
}

func (s *Store) readTime(field string) (time.Time, bool, error) {
	raw, found, err := s.readString(field)
	if err != nil || !found || raw == "" {
		return time.Time{}, found, err
	}
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("statefile: parse %s %q: %w", field, raw, err)
	}
	return t, true, nil
}

// --- state ---

func (s *Store) WriteState(state types.JobState) error {
	return s.writeString(FieldState, string(state))
}

// ReadState returns the persisted state, or JobStateUnknown with
// found=true if the on-disk value is not one of the six known states
// (preserving evidence rather than guessing), or found=false if absent.
func (s *Store) ReadState() (types.JobState, bool, error) {
	raw, found, err := s.readString(FieldState)
	if err != nil || !found {
		return "", found, err
	}
	state := types.JobState(strings.TrimSpace(raw))
	if !state.Valid() {
		return types.JobStateUnknown, true, nil
	}
	return state, true, nil
}

// --- command ---

func (s *Store) WriteCommand(command []string) error {
	data, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("statefile: marshal command: %w", err)
	}
	return s.writeString(FieldCommand, string(data))
}

func (s *Store) ReadCommand() ([]string, bool, error) {
	raw, found, err := s.readString(FieldCommand)
	if err != nil || !found {
		return nil, found, err
	}
	var command []string
	if err := json.Unmarshal([]byte(raw), &command); err != nil {
		return nil, false, fmt.Errorf("statefile: unmarshal command: %w", err)
	}
	return command, true, nil
}

// --- tag / error (plain text, optional) ---

func (s *Store) WriteTag(tag string) error { return s.writeString(FieldTag, tag) }
func (s *Store) ReadTag() (string, bool, error) { return s.readString(FieldTag) }

func (s *Store) WriteError(msg string) error { return s.writeString(FieldError, msg) }
func (s *Store) ReadError() (string, bool, error) { return s.readString(FieldError) }

// --- timestamps ---

func (s *Store) WriteCreatedAt(t time.Time) error  { return s.writeTime(FieldCreatedAt, t) }
func (s *Store) ReadCreatedAt() (time.Time, bool, error) { return s.readTime(FieldCreatedAt) }

func (s *Store) WriteStartedAt(t time.Time) error  { return s.writeTime(FieldStartedAt, t) }
func (s *Store) ReadStartedAt() (time.Time, bool, error) { return s.readTime(FieldStartedAt) }

func (s *Store) WriteFinishedAt(t time.Time) error { return s.writeTime(FieldFinishedAt, t) }
func (s *Store) ReadFinishedAt() (time.Time, bool, error) { return s.readTime(FieldFinishedAt) }

func (s *Store) WriteHeartbeat(t time.Time) error { return s.writeTime(FieldHeartbeat, t) }
func (s *Store) ReadHeartbeat() (time.Time, bool, error) { return s.readTime(FieldHeartbeat) }

func (s *Store) WriteRetryAt(t time.Time) error { return s.writeTime(FieldRetryAt, t) }
func (s *Store) ReadRetryAt() (time.Time, bool, error) { return s.readTime(FieldRetryAt) }

// --- exit code: two readers ---

func (s *Store) WriteExitCode(code types.ExitCode) error {
	return s.writeString(FieldExitCode, code.String())
}

// ReadExitCodeInt returns the numeric exit code, found=false if the
// stored value is absent or symbolic.
func (s *Store) ReadExitCodeInt() (int, bool, error) {
	raw, found, err := s.readString(FieldExitCode)
	if err != nil || !found || raw == "" {
		return 0, false, err
	}
	n, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return 0, false, nil // symbolic value
	}
	return n, true, nil
}

// ReadExitCodeString always returns the raw on-disk representation.
func (s *Store) ReadExitCodeString() (string, bool, error) {
	return s.readString(FieldExitCode)
}

// ReadExitCode reconstructs the tagged ExitCode from disk.
func (s *Store) ReadExitCode() (types.ExitCode, bool, error) {
	raw, found, err := s.readString(FieldExitCode)
	if err != nil || !found || raw == "" {
		return types.ExitCode{}, found && raw != "", err
	}
	if n, convErr := strconv.Atoi(raw); convErr == nil {
		return types.NewNumericExitCode(n), true, nil
	}
	return types.NewSymbolicExitCode(raw), true, nil
}

// --- pid / process start time ---

func (s *Store) WritePID(pid int) error { return s.writeString(FieldPID, strconv.Itoa(pid)) }

func (s *Store) ReadPID() (int, bool, error) {
	raw, found, err := s.readString(FieldPID)
	if err != nil || !found || raw == "" {
		return 0, false, err
	}
	pid, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return 0, false, fmt.Errorf("statefile: parse pid %q: %w", raw, convErr)
	}
	return pid, true, nil
}

func (s *Store) WriteProcessStartedAt(v int64) error {
	return s.writeString(FieldProcStart, strconv.FormatInt(v, 10))
}

func (s *Store) ReadProcessStartedAt() (int64, bool, error) {
	raw, found, err := s.readString(FieldProcStart)
	if err != nil || !found || raw == "" {
		return 0, false, err
	}
	v, convErr := strconv.ParseInt(raw, 10, 64)
	if convErr != nil {
		return 0, false, fmt.Errorf("statefile: parse proc_start %q: %w", raw, convErr)
	}
	return v, true, nil
}

// --- retry count ---

func (s *Store) WriteRetryCount(n int) error { return s.writeString(FieldRetryCount, strconv.Itoa(n)) }

func (s *Store) ReadRetryCount() (int, bool, error) {
	raw, found, err := s.readString(FieldRetryCount)
	if err != nil || !found || raw == "" {
		return 0, found, err
	}
	n, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return 0, false, fmt.Errorf("statefile: parse retry_count %q: %w", raw, convErr)
	}
	return n, true, nil
}

// --- retry history: append-by-read-modify-write, newline-separated ---

func (s *Store) AppendRetryHistory(entry types.RetryAttempt) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("statefile: marshal retry attempt: %w", err)
	}
	existing, _, err := s.readString(FieldRetryHistory)
	if err != nil {
		return err
	}
	var next string
	if existing == "" {
		next = string(line)
	} else {
		next = existing + "\n" + string(line)
	}
	return s.writeString(FieldRetryHistory, next)
}

func (s *Store) ReadRetryHistory() ([]types.RetryAttempt, error) {
	raw, found, err := s.readString(FieldRetryHistory)
	if err != nil || !found || raw == "" {
		return nil, err
	}
	lines := strings.Split(raw, "\n")
	history := make([]types.RetryAttempt, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry types.RetryAttempt
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("statefile: unmarshal retry history line: %w", err)
		}
		history = append(history, entry)
	}
	return history, nil
}

// --- job_config ---

func (s *Store) WriteJobConfig(cfg types.JobConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("statefile: marshal job_config: %w", err)
	}
	return s.writeString(FieldJobConfig, string(data))
}

func (s *Store) ReadJobConfig() (types.JobConfig, bool, error) {
	raw, found, err := s.readString(FieldJobConfig)
	if err != nil || !found || raw == "" {
		return types.JobConfig{}, found, err
	}
	var cfg types.JobConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return types.JobConfig{}, false, fmt.Errorf("statefile: unmarshal job_config: %w", err)
	}
	return cfg, true, nil
}
