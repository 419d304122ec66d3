// Package filelock provides exclusive, non-blocking advisory locking
// for the scheduler lock and per-job locks. It
// wraps gofrs/flock for the cross-process guarantee and layers an
// in-process registry on top, since flock.Flock alone does not stop
// two goroutines in the same process from both succeeding.
package filelock

import (
	"fmt"
	"sync"

	"github.com/gofrs/flock"
)

// registry tracks paths currently locked by this process, guarding
// against a same-process double-acquire that the OS primitive permits
// (a second flock.New on the same path, same process, would otherwise
// succeed).
var (
	registryMu sync.Mutex
	registry   = map[string]bool{}
)

// Lock is a held exclusive lock on a single path. The zero value is
// not usable; obtain one via TryAcquire.
type Lock struct {
	path string
	fl   *flock.Flock
}

// TryAcquire attempts to take an exclusive, non-blocking lock on path.
// It returns (lock, true, nil) on success, (nil, false, nil) if the
// lock is already held (by this process or another), and a non-nil
// error only for unexpected I/O failures.
func TryAcquire(path string) (*Lock, bool, error) {
	registryMu.Lock()
	if registry[path] {
		registryMu.Unlock()
		return nil, false, nil
	}
	registryMu.Unlock()

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("filelock: try lock %s: %w", path, err)
	}
	if !locked {
		return nil, false, nil
	}

	registryMu.Lock()
	if registry[path] {
		// Lost the race to another goroutine between the check above and
		// the OS-level TryLock; release what we just took.
		registryMu.Unlock()
		_ = fl.Unlock()
		return nil, false, nil
	}
	registry[path] = true
	registryMu.Unlock()

	return &Lock{path: path, fl: fl}, true, nil
}

// Release unlocks l and removes it from the in-process registry. It is
// safe to call once; calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	registryMu.Lock()
	delete(registry, l.path)
	registryMu.Unlock()

	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("filelock: unlock %s: %w", l.path, err)
	}
	return nil
}

// IsLocked reports whether path currently appears held, either by this
// process's registry or by probing a non-blocking try-lock elsewhere.
// It is advisory only: the result can be stale the instant it returns.
func IsLocked(path string) bool {
	registryMu.Lock()
	held := registry[path]
	registryMu.Unlock()
	if held {
		return true
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return false
	}
	if !locked {
		return true
	}
	_ = fl.Unlock()
	return false
}
