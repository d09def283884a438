package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the data directory lock.
var ErrLocked = errors.New("data directory is locked by another runsh process")

type dirLock struct {
	fl *flock.Flock
}

func newDirLock(path string) *dirLock {
	return &dirLock{fl: flock.New(path)}
}

// Lock takes the data directory lock without waiting.
func (s *Store) Lock() error {
	locked, err := s.lock.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire data directory lock: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	return nil
}

// LockWait retries the lock until it is acquired or ctx is done.
func (s *Store) LockWait(ctx context.Context) error {
	locked, err := s.lock.fl.TryLockContext(ctx, 25*time.Millisecond)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrLocked, ctx.Err())
		}
		return fmt.Errorf("acquire data directory lock: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	return nil
}

// Unlock releases the data directory lock. Unlocking an unheld lock is a no-op.
func (s *Store) Unlock() error {
	return s.lock.fl.Unlock()
}

// Locked reports whether this Store currently holds the lock.
func (s *Store) Locked() bool {
	return s.lock.fl.Locked()
}
