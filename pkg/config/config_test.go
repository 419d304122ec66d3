package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxConcurrentJobs)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadParsesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "barn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_dir: /tmp/barn-test
max_concurrent_jobs: 8
cleanup:
  enabled: true
  max_age_hours: 48
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/barn-test", cfg.BaseDir)
	assert.Equal(t, 8, cfg.MaxConcurrentJobs)
	assert.True(t, cfg.Cleanup.Enabled)
	assert.Equal(t, 48, cfg.Cleanup.MaxAgeHours)
	assert.Equal(t, "info", cfg.LogLevel, "unset fields keep their default")
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "barn.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent_jobs: 8\n"), 0644))

	t.Setenv("BARN_MAX_CONCURRENT_JOBS", "16")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.MaxConcurrentJobs)
}

func TestServiceConfigDerivesDurations(t *testing.T) {
	cfg := Default()
	cfg.PollIntervalSeconds = 2
	cfg.StaleHeartbeatThresholdSeconds = 45

	svcCfg := cfg.ServiceConfig()
	assert.Equal(t, cfg.PollInterval(), svcCfg.PollInterval)
	assert.Equal(t, cfg.StaleHeartbeatThreshold(), svcCfg.StaleThreshold)
}
