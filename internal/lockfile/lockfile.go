// Package lockfile guards the server state directory with an exclusive
// advisory file lock, so two processes never share one thread database.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrHeld means another process holds the lock.
var ErrHeld = errors.New("lock held by another process")

// Lock is an acquired state-dir lock. Release it on shutdown; the file
// itself stays behind, only the lock is dropped.
type Lock struct {
	path string
	f    *os.File
}

// Acquire takes the lock at path without blocking. The holder's pid is
// written into the file for troubleshooting.
func Acquire(path string) (*Lock, error) {
	path = filepath.Clean(path)
	if path == "" || path == "." {
		return nil, errors.New("missing lock path")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrHeld) {
			return nil, fmt.Errorf("%s: %w", path, ErrHeld)
		}
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
