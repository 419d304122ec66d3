package jobstore

import (
	"testing"
	"time"

	"github.com/samson-media/barn/pkg/layout"
	"github.com/samson-media/barn/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	l := layout.New(t.TempDir())
	require.NoError(t, l.Initialize())
	return New(l)
}

func TestCreateAndFindByID(t *testing.T) {
	s := newStore(t)

	job, err := s.Create([]string{"echo", "hi"}, "demo", types.JobConfig{MaxRetries: 2})
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, job.State)

	found, err := s.FindByID(job.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, []string{"echo", "hi"}, found.Command)
	assert.Equal(t, "demo", found.Tag)
	assert.Equal(t, types.JobStateQueued, found.State)
}

func TestFindByIDAbsent(t *testing.T) {
	s := newStore(t)
	job, err := s.FindByID("does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestMarkStartedRejectsNonQueued(t *testing.T) {
	s := newStore(t)
	job, err := s.Create([]string{"true"}, "", types.JobConfig{})
	require.NoError(t, err)

	require.NoError(t, s.MarkStarted(job.ID, 1234, 0))
	err = s.MarkStarted(job.ID, 1234, 0)
	assert.ErrorContains(t, err, "invalid state")
}

func TestMarkCompletedSuccessAndFailure(t *testing.T) {
	s := newStore(t)

	succeeded, err := s.Create([]string{"true"}, "", types.JobConfig{})
	require.NoError(t, err)
	require.NoError(t, s.MarkStarted(succeeded.ID, 1, 0))
	require.NoError(t, s.MarkCompleted(succeeded.ID, types.NewNumericExitCode(0), "", OutcomeAuto))

	got, err := s.FindByID(succeeded.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateSucceeded, got.State)

	failed, err := s.Create([]string{"false"}, "", types.JobConfig{})
	require.NoError(t, err)
	require.NoError(t, s.MarkStarted(failed.ID, 2, 0))
	require.NoError(t, s.MarkCompleted(failed.ID, types.NewNumericExitCode(1), "boom", OutcomeAuto))

	got, err = s.FindByID(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateFailed, got.State)
	assert.Equal(t, "boom", got.Error)
}

func TestRequeueIncrementsRetryCountAndAppendsHistory(t *testing.T) {
	s := newStore(t)
	job, err := s.Create([]string{"false"}, "", types.JobConfig{MaxRetries: 3})
	require.NoError(t, err)
	require.NoError(t, s.MarkStarted(job.ID, 1, 0))

	retryAt := time.Now().Add(time.Minute)
	require.NoError(t, s.Requeue(job.ID, types.NewNumericExitCode(1), "transient", retryAt))

	got, err := s.FindByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, got.State)
	assert.Equal(t, 1, got.RetryCount)
	require.Len(t, got.RetryHistory, 1)
	assert.Equal(t, "transient", got.RetryHistory[0].Error)
}

func TestMarkKilled(t *testing.T) {
	s := newStore(t)
	job, err := s.Create([]string{"sleep", "99"}, "", types.JobConfig{})
	require.NoError(t, err)
	require.NoError(t, s.MarkStarted(job.ID, 1, 0))

	require.NoError(t, s.MarkKilled(job.ID, types.ExitCodeKilledByRecovery, "orphaned at startup"))

	got, err := s.FindByID(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateKilled, got.State)
	assert.True(t, got.ExitCode.IsSymbolic())
}

func TestDeleteRejectsRunningAndQueued(t *testing.T) {
	s := newStore(t)
	job, err := s.Create([]string{"true"}, "", types.JobConfig{})
	require.NoError(t, err)

	err = s.Delete(job.ID)
	assert.ErrorContains(t, err, "not terminal")

	require.NoError(t, s.MarkStarted(job.ID, 1, 0))
	err = s.Delete(job.ID)
	assert.ErrorContains(t, err, "not terminal")

	require.NoError(t, s.MarkCompleted(job.ID, types.NewNumericExitCode(0), "", OutcomeAuto))
	require.NoError(t, s.Delete(job.ID))

	found, err := s.FindByID(job.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestFindByStateFilters(t *testing.T) {
	s := newStore(t)
	a, err := s.Create([]string{"true"}, "", types.JobConfig{})
	require.NoError(t, err)
	b, err := s.Create([]string{"true"}, "", types.JobConfig{})
	require.NoError(t, err)
	require.NoError(t, s.MarkStarted(b.ID, 1, 0))

	queued, err := s.FindByState(types.JobStateQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, a.ID, queued[0].ID)

	running, err := s.FindByState(types.JobStateRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, b.ID, running[0].ID)
}
