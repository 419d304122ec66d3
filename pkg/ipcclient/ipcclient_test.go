package ipcclient

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/samson-media/barn/pkg/cleanup"
	"github.com/samson-media/barn/pkg/ipc"
	"github.com/samson-media/barn/pkg/jobstore"
	"github.com/samson-media/barn/pkg/layout"
	"github.com/samson-media/barn/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *jobstore.Store) {
	t.Helper()
	l := layout.New(t.TempDir())
	require.NoError(t, l.Initialize())
	store := jobstore.New(l)
	sweeper := cleanup.New(store, cleanup.Config{MaxAge: time.Hour})

	socketPath := filepath.Join(t.TempDir(), "barn.sock")
	srv := ipc.New(socketPath, ipc.Handlers{
		Store:   store,
		Sweeper: sweeper,
		ServiceStatus: func() (ipc.ServiceStatus, error) {
			return ipc.ServiceStatus{Version: "test", MaxConcurrentJobs: 4}, nil
		},
	})
	require.NoError(t, srv.Listen())
	t.Cleanup(srv.Stop)

	return New(socketPath), store
}

func TestRunJobThenGetJobRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)

	created, err := c.RunJob([]string{"true"}, "nightly", JobConfig{})
	require.NoError(t, err)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	got, err := c.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, id, got["id"])
}

func TestGetJobNotFoundSurfacesRequestError(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.GetJob("missing")
	require.Error(t, err)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "JOB_NOT_FOUND", reqErr.Code)
}

func TestUnreachableSocketReturnsErrUnreachable(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "nothing.sock"))

	_, err := c.GetJob("anything")
	require.Error(t, err)
	var unreachable *ErrUnreachable
	require.ErrorAs(t, err, &unreachable)
}

func TestGetStatusFiltersByState(t *testing.T) {
	c, store := newTestClient(t)
	queued, err := store.Create([]string{"true"}, "", types.JobConfig{})
	require.NoError(t, err)
	running, err := store.Create([]string{"true"}, "", types.JobConfig{})
	require.NoError(t, err)
	require.NoError(t, store.MarkStarted(running.ID, 123, 0))

	jobs, err := c.GetStatus(StatusFilter{State: "running"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, running.ID, jobs[0]["id"])
	assert.NotEqual(t, queued.ID, jobs[0]["id"])
}

func TestKillJobOnQueuedIsInvalidState(t *testing.T) {
	c, store := newTestClient(t)
	job, err := store.Create([]string{"true"}, "", types.JobConfig{})
	require.NoError(t, err)

	_, err = c.KillJob(job.ID, false)
	require.Error(t, err)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "INVALID_STATE", reqErr.Code)
}

func TestGetServiceStatus(t *testing.T) {
	c, _ := newTestClient(t)

	status, err := c.GetServiceStatus()
	require.NoError(t, err)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, 4, status.MaxConcurrentJobs)
}
