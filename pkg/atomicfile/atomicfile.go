// Package atomicfile implements barn's core durability primitive:
// write-temp-then-rename so readers never observe a partial write.
// Every job state file goes through this layer.
package atomicfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"oss.nandlabs.io/golly/fsutils"
)

// notFoundSentinel is the data ReadOrNone returns alongside found=false
// when the file is absent.
var notFoundSentinel = []byte(nil)

// WriteAtomic writes data to path by first writing path+".tmp" in the
// same directory, then renaming it onto path. Rename is atomic within
// a single directory on POSIX filesystems; callers on a filesystem
// that cannot guarantee this must not use barn's on-disk layer.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("atomicfile: create temp %s: %w", tmp, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("atomicfile: write temp %s: %w", tmp, err)
	}

	// Best-effort fsync: durability on a hard crash is nice-to-have, not
	// guaranteed by this layer (spec non-goal: "durable guarantees
	// stronger than the underlying filesystem's atomic-rename semantics").
	_ = f.Sync()

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("atomicfile: close temp %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("atomicfile: rename %s -> %s: %w", tmp, path, err)
	}

	// fsync the directory entry too, best-effort.
	if dirf, err := os.Open(dir); err == nil {
		_ = dirf.Sync()
		dirf.Close()
	}

	return nil
}

// ReadOrNone returns the trimmed content of path, or (nil, false) if
// the file does not exist. A nil, true result means the file exists
// and is empty; an error means something other than absence went wrong.
func ReadOrNone(path string) ([]byte, bool, error) {
	if !fsutils.FileExists(path) {
		return notFoundSentinel, false, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return notFoundSentinel, false, nil
		}
		return nil, false, fmt.Errorf("atomicfile: read %s: %w", path, err)
	}
	return bytes.TrimSpace(data), true, nil
}

// DeleteIfPresent removes path if it exists; absence is not an error.
func DeleteIfPresent(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("atomicfile: delete %s: %w", path, err)
	}
	return nil
}
