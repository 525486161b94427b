// internal/infra/flock/flock_locker.go
package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cronwrap/internal/domain"

	"golang.org/x/sys/unix"
)

const (
	// LockFileMode is the permission of newly created lock files.
	LockFileMode = 0o600
	// WaitPollInterval is how often WaitLock retries a contended lock.
	WaitPollInterval = 25 * time.Millisecond
)

// fileLock implements domain.Lock on top of flock(2). The kernel drops the
// lock when the descriptor is closed, including when the process dies, so a
// crashed wrapper never leaves a stuck lock behind.
type fileLock struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Unlock releases the flock and closes the lock file. The file itself is
// left in place: removing it would let a concurrent opener lock an unlinked inode.
func (l *fileLock) Unlock(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()
	if unlockErr != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close lock file %s: %w", l.path, closeErr)
	}
	return nil
}

// fileLocker implements domain.Locker with advisory file locks in a directory.
type fileLocker struct {
	dir string
}

// NewFileLocker creates a locker whose relative lock names live in dir.
// Absolute names are used as-is, which lets unrelated jobs share one lock file.
func NewFileLocker(dir string) domain.Locker {
	return &fileLocker{dir: dir}
}

// Lock tries once to acquire an exclusive lock on the named file.
func (l *fileLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Absolute names may point at a file the operator owns, such as the job's
	// script. flock works on a read-only descriptor, so those are never written.
	owned := !filepath.IsAbs(name)
	flags := os.O_RDONLY | os.O_CREATE
	if owned {
		flags = os.O_RDWR | os.O_CREATE
	}

	path := l.path(name)
	f, err := os.OpenFile(path, flags, LockFileMode)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("failed to flock %s: %w", path, err)
	}

	// Record the holder for operators inspecting a stuck job. Best effort.
	if owned {
		if err := f.Truncate(0); err == nil {
			_, _ = f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0)
		}
	}

	return &fileLock{file: f, path: path}, nil
}

// WaitLock polls Lock until it succeeds, fails for a reason other than
// contention, or ctx is done.
func (l *fileLocker) WaitLock(ctx context.Context, name string) (domain.Lock, error) {
	ticker := time.NewTicker(WaitPollInterval)
	defer ticker.Stop()

	for {
		lock, err := l.Lock(ctx, name)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, domain.ErrLockNotAcquired) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *fileLocker) path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(l.dir, name)
}
