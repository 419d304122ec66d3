package procutil

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAliveCurrentProcess(t *testing.T) {
	assert.True(t, IsAlive(CurrentPID()))
}

func TestIsAliveDeadPID(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	assert.False(t, IsAlive(cmd.Process.Pid))
}

func TestIsAliveInvalidPID(t *testing.T) {
	assert.False(t, IsAlive(0))
	assert.False(t, IsAlive(-1))
}

func TestKillTreeTerminatesChild(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid

	signaled := KillTree(pid, true)
	assert.True(t, signaled)

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("child did not die after KillTree")
	}
}

func TestMatchesStartTimeZeroIsCorroborationSkipped(t *testing.T) {
	assert.True(t, MatchesStartTime(CurrentPID(), 0))
}

func TestStartTimeOnLinuxSelf(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("no /proc on this platform")
	}
	st, ok := StartTime(CurrentPID())
	require.True(t, ok)
	assert.True(t, MatchesStartTime(CurrentPID(), st))
}
