package statefile

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
	require.NoError(t, l.CreateJobDirs("job-1"))
	return New(l, "job-1")
}

func TestStateRoundTrip(t *testing.T) {
	s := newStore(t)

	_, found, err := s.ReadState()
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.WriteState(types.JobStateRunning))
	state, found, err := s.ReadState()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.JobStateRunning, state)
}

func TestReadStateUnknownValuePreserved(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.writeString(FieldState, "bogus"))

	state, found, err := s.ReadState()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.JobStateUnknown, state)
}

func TestCommandRoundTrip(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.WriteCommand([]string{"echo", "hi"}))

	cmd, found, err := s.ReadCommand()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"echo", "hi"}, cmd)
}

func TestTimestampRoundTripUTC(t *testing.T) {
	s := newStore(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.FixedZone("PDT", -7*3600))

	require.NoError(t, s.WriteCreatedAt(now))
	got, found, err := s.ReadCreatedAt()
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, now.Equal(got))
	assert.Equal(t, time.UTC, got.Location())
}

func TestExitCodeNumericVsSymbolic(t *testing.T) {
	s := newStore(t)

	require.NoError(t, s.WriteExitCode(types.NewNumericExitCode(1)))
	n, found, err := s.ReadExitCodeInt()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, n)

	str, found, err := s.ReadExitCodeString()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", str)

	require.NoError(t, s.WriteExitCode(types.NewSymbolicExitCode(types.ExitCodeTimeout)))
	_, found, err = s.ReadExitCodeInt()
	require.NoError(t, err)
	assert.False(t, found, "symbolic exit code must not satisfy the integer reader")

	str, found, err = s.ReadExitCodeString()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "timeout", str)
}

func TestRetryHistoryAppendIsReadModifyWrite(t *testing.T) {
	s := newStore(t)

	history, err := s.ReadRetryHistory()
	require.NoError(t, err)
	assert.Empty(t, history)

	first := types.RetryAttempt{AttemptedAt: time.Now().UTC(), ExitCode: types.NewNumericExitCode(1), Error: "boom"}
	second := types.RetryAttempt{AttemptedAt: time.Now().UTC().Add(time.Minute), ExitCode: types.NewNumericExitCode(2)}

	require.NoError(t, s.AppendRetryHistory(first))
	require.NoError(t, s.AppendRetryHistory(second))

	history, err = s.ReadRetryHistory()
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "boom", history[0].Error)
	n, _ := history[1].ExitCode.Int()
	assert.Equal(t, 2, n)
}

func TestPIDRoundTrip(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.WritePID(4242))

	pid, found, err := s.ReadPID()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 4242, pid)
}

func TestJobConfigRoundTrip(t *testing.T) {
	s := newStore(t)
	cfg := types.JobConfig{DefaultTimeoutSeconds: 60, MaxRetries: 3, RetryDelaySeconds: 5, RetryBackoffMultiplier: 2.0}
	require.NoError(t, s.WriteJobConfig(cfg))

	got, found, err := s.ReadJobConfig()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, cfg, got)
}
