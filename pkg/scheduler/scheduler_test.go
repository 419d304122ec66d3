package scheduler

import (
	"testing"
	"time"

	"github.com/samson-media/barn/pkg/jobstore"
	"github.com/samson-media/barn/pkg/layout"
	"github.com/samson-media/barn/pkg/runner"
	"github.com/samson-media/barn/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T) (*jobstore.Store, *layout.Layout) {
	t.Helper()
	l := layout.New(t.TempDir())
	require.NoError(t, l.Initialize())
	return jobstore.New(l), l
}

func TestSelectEligibleFiltersFutureRetryAt(t *testing.T) {
	now := time.Now()
	ready := &types.Job{ID: "a", CreatedAt: now.Add(-time.Minute)}
	notYet := &types.Job{ID: "b", CreatedAt: now.Add(-time.Hour), RetryAt: now.Add(time.Hour)}
	alsoReady := &types.Job{ID: "c", CreatedAt: now.Add(-time.Hour), RetryAt: now.Add(-time.Minute)}

	got := selectEligible([]*types.Job{ready, notYet, alsoReady}, now)

	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID, "older created_at dispatches first")
	assert.Equal(t, "a", got[1].ID)
}

func TestSelectEligibleBreaksTiesByID(t *testing.T) {
	ts := time.Now()
	b := &types.Job{ID: "b", CreatedAt: ts}
	a := &types.Job{ID: "a", CreatedAt: ts}

	got := selectEligible([]*types.Job{b, a}, ts.Add(time.Second))

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestTickRespectsConcurrencyCap(t *testing.T) {
	store, l := newHarness(t)
	r := runner.New(l, store, 30*time.Second)

	for i := 0; i < 3; i++ {
		_, err := store.Create([]string{"sh", "-c", "sleep 1"}, "", types.JobConfig{})
		require.NoError(t, err)
	}

	s := New(store, l, r, Config{MaxConcurrentJobs: 1, PollInterval: time.Hour})
	require.NoError(t, s.tick())

	// Give the dispatched goroutine a moment to acquire its lock and
	// flip the job to RUNNING before asserting on queue depth.
	time.Sleep(100 * time.Millisecond)

	running, err := store.FindByState(types.JobStateRunning)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(running), 1)

	s.inflight.Wait()
}

func TestTickSkipsWhenAtCapacity(t *testing.T) {
	store, l := newHarness(t)
	r := runner.New(l, store, 30*time.Second)

	job, err := store.Create([]string{"true"}, "", types.JobConfig{})
	require.NoError(t, err)
	require.NoError(t, store.MarkStarted(job.ID, 1, 0))

	queuedJob, err := store.Create([]string{"true"}, "", types.JobConfig{})
	require.NoError(t, err)

	s := New(store, l, r, Config{MaxConcurrentJobs: 1, PollInterval: time.Hour})
	require.NoError(t, s.tick())

	got, err := store.FindByID(queuedJob.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, got.State, "capacity is full, nothing should dispatch")
}

func TestStartStopDrainsInflightRunners(t *testing.T) {
	store, l := newHarness(t)
	r := runner.New(l, store, 30*time.Second)
	_, err := store.Create([]string{"sh", "-c", "sleep 0.2"}, "", types.JobConfig{})
	require.NoError(t, err)

	s := New(store, l, r, Config{MaxConcurrentJobs: 5, PollInterval: 10 * time.Millisecond})
	s.Start()
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	running, err := store.FindByState(types.JobStateRunning)
	require.NoError(t, err)
	assert.Len(t, running, 0, "Stop must wait for the in-flight job to finish")
}
