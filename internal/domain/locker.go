// internal/domain/locker.go
package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when a lock cannot be acquired because a
// live process already holds it.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Lock represents an acquired lock. It is released when Unlock is called or
// when the holding process exits, whichever happens first.
type Lock interface {
	// Unlock releases the lock. Calling it more than once is a no-op.
	Unlock(ctx context.Context) error
}

// Locker defines the interface for the per-job locking mechanism.
type Locker interface {
	// Lock attempts to acquire a lock for the given name.
	// It is a non-blocking call. If the lock is already held,
	// it must return ErrLockNotAcquired.
	Lock(ctx context.Context, name string) (Lock, error)
	// WaitLock blocks until the lock is acquired or ctx is done.
	WaitLock(ctx context.Context, name string) (Lock, error)
}

// RunLockName is the lock guarding overlapping runs of a job.
func RunLockName(id JobID) string {
	return string(id) + ".lock"
}

// StateLockName is the short-lived lock guarding a job's state record.
func StateLockName(id JobID) string {
	return string(id) + ".state.lock"
}
