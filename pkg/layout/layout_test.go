package layout

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oss.nandlabs.io/golly/fsutils"
)

func TestInitializeIsIdempotent(t *testing.T) {
	base := t.TempDir()
	l := New(base)

	require.NoError(t, l.Initialize())
	require.NoError(t, l.Initialize())

	assert.True(t, fsutils.DirExists(l.JobsDir()))
	assert.True(t, fsutils.DirExists(l.LocksDir()))
	assert.True(t, fsutils.DirExists(l.DaemonLogDir()))
}

func TestCreateAndDeleteJobDirs(t *testing.T) {
	base := t.TempDir()
	l := New(base)
	require.NoError(t, l.Initialize())

	require.NoError(t, l.CreateJobDirs("job-1"))
	assert.True(t, l.JobExists("job-1"))
	assert.True(t, fsutils.DirExists(l.JobWorkInputDir("job-1")))
	assert.True(t, fsutils.DirExists(l.JobWorkOutputDir("job-1")))
	assert.True(t, fsutils.DirExists(l.JobLogsDir("job-1")))

	require.NoError(t, l.DeleteJobDir("job-1"))
	assert.False(t, l.JobExists("job-1"))
}

func TestDeterministicPaths(t *testing.T) {
	l := New("/var/lib/barn")
	assert.Equal(t, filepath.Join("/var/lib/barn", "jobs", "abc"), l.JobDir("abc"))
	assert.Equal(t, filepath.Join("/var/lib/barn", "locks", "job-abc.lock"), l.JobLockPath("abc"))
	assert.Equal(t, filepath.Join("/var/lib/barn", "barn.sock"), l.SocketPath())
}
