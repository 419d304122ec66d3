// Package procutil wraps OS process inspection and signaling: liveness
// checks, process-group termination, and best-effort PID-reuse
// corroboration via /proc on Linux.
package procutil

import (
	"fmt"
	"os"
	"syscall"
)

// CurrentPID returns the daemon's own process id.
func CurrentPID() int { return os.Getpid() }

// IsAlive reports whether a process with pid currently exists. It does
// not distinguish a zombie from a live process.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On POSIX, FindProcess always succeeds; signal 0 probes existence
	// without affecting the process.
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// ESRCH means gone; EPERM means it exists but we lack permission,
	// which still counts as alive for our purposes.
	return err == syscall.EPERM
}

// KillTree sends termination to pid and, best-effort, its process
// group. If force is true it sends SIGKILL, otherwise SIGTERM. It
// returns whether the root process was successfully signaled.
func KillTree(pid int, force bool) bool {
	if pid <= 0 {
		return false
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}

	// Signaling the negative pid targets the whole process group when
	// the child was started as its own group leader; the single pid is
	// signaled as well, which covers a process whose group was never
	// established.
	groupSignaled := syscall.Kill(-pid, sig) == nil
	rootErr := syscall.Kill(pid, sig)
	return rootErr == nil || groupSignaled
}

// StartTime returns a platform-specific, opaque identifier for the
// moment pid started, used to detect PID reuse between a job's
// recorded spawn and a later recovery pass. It returns (0, false) on
// platforms or kernels where this is unavailable; callers must treat
// that as "corroboration not possible" rather than "process changed".
func StartTime(pid int) (int64, bool) {
	return linuxProcStartTime(pid)
}

// MatchesStartTime reports whether the process currently at pid still
// has the recorded start time. If either value is unavailable
// (recordedStartTime == 0, or the platform cannot report one), it
// returns true: the caller falls back to heartbeat staleness as the
// corroborating signal, per the documented residual race.
func MatchesStartTime(pid int, recordedStartTime int64) bool {
	if recordedStartTime == 0 {
		return true
	}
	current, ok := StartTime(pid)
	if !ok {
		return true
	}
	return current == recordedStartTime
}

func linuxProcStartTime(pid int) (int64, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, false
	}
	return parseStatStartTime(data)
}
