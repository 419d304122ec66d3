package service

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/samson-media/barn/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T) Config {
	t.Helper()
	base := t.TempDir()
	return Config{
		BaseDir:           base,
		SocketPath:        filepath.Join(base, "barn.sock"),
		MaxConcurrentJobs: 2,
		PollInterval:      20 * time.Millisecond,
		StaleThreshold:    30 * time.Second,
		ShutdownGrace:     time.Second,
	}
}

func TestStartAndStopFullSequence(t *testing.T) {
	o := New(newTestConfig(t))
	require.NoError(t, o.Start())
	defer o.Stop()

	status, err := o.serviceStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, status.MaxConcurrentJobs)
}

func TestSecondInstanceFailsToAcquireLock(t *testing.T) {
	cfg := newTestConfig(t)
	first := New(cfg)
	require.NoError(t, first.Start())
	defer first.Stop()

	second := New(cfg)
	err := second.Start()
	assert.Error(t, err)
}

func TestSchedulerPicksUpSubmittedJob(t *testing.T) {
	o := New(newTestConfig(t))
	require.NoError(t, o.Start())
	defer o.Stop()

	job, err := o.store.Create([]string{"true"}, "", types.JobConfig{})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := o.store.FindByID(job.ID)
		require.NoError(t, err)
		if got.State == types.JobStateSucceeded {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job never reached SUCCEEDED")
}

func TestReloadAppliesMaxConcurrentJobsLive(t *testing.T) {
	o := New(newTestConfig(t))
	require.NoError(t, o.Start())
	defer o.Stop()

	applied, requiresRestart, err := o.reload(mustJSON(t, map[string]any{"max_concurrent_jobs": 5}))
	require.NoError(t, err)
	assert.Equal(t, float64(5), toFloat(applied["max_concurrent_jobs"]))
	assert.Empty(t, requiresRestart)

	o.mu.RLock()
	got := o.cfg.MaxConcurrentJobs
	o.mu.RUnlock()
	assert.Equal(t, 5, got)
}

func TestRequestShutdownUnblocksWait(t *testing.T) {
	o := New(newTestConfig(t))
	require.NoError(t, o.Start())
	defer o.Stop()

	done := make(chan struct{})
	go func() {
		o.Wait()
		close(done)
	}()

	o.requestShutdown()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after requestShutdown")
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	default:
		return -1
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
