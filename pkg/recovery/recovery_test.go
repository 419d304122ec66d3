package recovery

import (
	"os/exec"
	"testing"
	"time"

	"github.com/samson-media/barn/pkg/jobstore"
	"github.com/samson-media/barn/pkg/layout"
	"github.com/samson-media/barn/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *jobstore.Store {
	t.Helper()
	l := layout.New(t.TempDir())
	require.NoError(t, l.Initialize())
	return jobstore.New(l)
}

func TestRecoverOrphanStaleHeartbeatRequeues(t *testing.T) {
	store := newStore(t)
	job, err := store.Create([]string{"sleep", "30"}, "", types.JobConfig{MaxRetries: 3})
	require.NoError(t, err)

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	require.NoError(t, store.MarkStarted(job.ID, cmd.Process.Pid, 0))
	// The runner that owns this pid is gone even though the pid itself
	// is still alive (perhaps reused); a stale heartbeat is the signal.
	require.NoError(t, store.UpdateHeartbeat(job.ID, time.Now().Add(-time.Hour)))

	rec := New(store, 30*time.Second)
	result, err := rec.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.Orphaned)

	got, err := store.FindByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, got.State)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRecoverOrphanDeadPIDKillsWhenNoRetriesLeft(t *testing.T) {
	store := newStore(t)
	job, err := store.Create([]string{"true"}, "", types.JobConfig{MaxRetries: 0})
	require.NoError(t, err)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	deadPID := cmd.Process.Pid

	require.NoError(t, store.MarkStarted(job.ID, deadPID, 0))

	rec := New(store, 30*time.Second)
	result, err := rec.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Killed)

	got, err := store.FindByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateKilled, got.State)
	assert.True(t, got.ExitCode.IsSymbolic())
	assert.Equal(t, types.ExitCodeKilledByRecovery, got.ExitCode.String())
}

func TestRecoverLiveFreshHeartbeatLeavesJobAlone(t *testing.T) {
	store := newStore(t)
	job, err := store.Create([]string{"sleep", "30"}, "", types.JobConfig{})
	require.NoError(t, err)

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()

	require.NoError(t, store.MarkStarted(job.ID, cmd.Process.Pid, 0))

	rec := New(store, 30*time.Second)
	result, err := rec.Run()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Anomalous)

	got, err := store.FindByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateRunning, got.State, "a live job must not be touched")
}

func TestRecoveryIsIdempotent(t *testing.T) {
	store := newStore(t)
	job, err := store.Create([]string{"true"}, "", types.JobConfig{MaxRetries: 0})
	require.NoError(t, err)
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	require.NoError(t, store.MarkStarted(job.ID, cmd.Process.Pid, 0))

	rec := New(store, 30*time.Second)
	_, err = rec.Run()
	require.NoError(t, err)

	result, err := rec.Run()
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned, "a second pass should find nothing RUNNING")
}
