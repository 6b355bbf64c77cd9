// Package lockfile provides cross-process mutual exclusion for box
// lifecycle transitions. Two runtime instances sharing a home directory
// must never drive the same box concurrently; an advisory flock on the
// box's lock file enforces that, while the in-process mutex on the box
// handle covers same-process callers.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Lock is a held advisory lock on a box's lock file.
type Lock struct {
	path string
	id   string
	file *os.File
}

// Acquire takes the exclusive lock for the given box directory without
// blocking. id is the lock's cross-process identifier; it is written into
// the file for diagnostics and recorded on the box record while held.
func Acquire(boxDir, id string) (*Lock, error) {
	path := filepath.Join(boxDir, "lock")
	if err := os.MkdirAll(boxDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating box directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("box is locked by another process")
		}
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	// Best effort: record the holder for debugging. The flock itself is
	// authoritative.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(id), 0)
	return &Lock{path: path, id: id, file: f}, nil
}

// ID returns the lock's cross-process identifier.
func (l *Lock) ID() string { return l.id }

// Release drops the lock. Safe to call once; the file is left in place
// for the next holder.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return closeErr
}
