package flock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/projecteru2/vmbridge/lock"
)

const retryDelay = 50 * time.Millisecond

var _ lock.Locker = (*Lock)(nil)

// Lock is an advisory file lock that also excludes goroutines of this process.
//
// A size-1 channel carries the in-process token so Lock can honour ctx and
// TryLock can fail fast without a syscall. The flock(2) fd is opened fresh on
// every acquisition; two bridge processes on the same host serialize on it.
type Lock struct {
	path string
	ch   chan struct{}
	fl   *flock.Flock // non-nil while held
}

// New creates a Lock for path. The parent directory is created if missing.
func New(path string) *Lock {
	_ = os.MkdirAll(filepath.Dir(path), 0o750)
	return &Lock{path: path, ch: make(chan struct{}, 1)}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Lock blocks until the lock is acquired or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire lock %s: %w", l.path, ctx.Err())
	}
	ok, err := l.acquire(func(fl *flock.Flock) (bool, error) {
		return fl.TryLockContext(ctx, retryDelay)
	})
	switch {
	case err != nil:
		return fmt.Errorf("acquire flock %s: %w", l.path, err)
	case !ok:
		return fmt.Errorf("acquire flock %s: %w", l.path, ctx.Err())
	}
	return nil
}

// TryLock returns (false, nil) when another caller holds the lock.
func (l *Lock) TryLock(_ context.Context) (bool, error) {
	select {
	case l.ch <- struct{}{}:
	default:
		return false, nil
	}
	return l.acquire(func(fl *flock.Flock) (bool, error) {
		return fl.TryLock()
	})
}

// Unlock releases the lock. Safe to call when not held.
func (l *Lock) Unlock(_ context.Context) error {
	var err error
	if l.fl != nil {
		err = l.fl.Unlock()
		l.fl = nil
	}
	select {
	case <-l.ch:
	default:
	}
	if err != nil {
		return fmt.Errorf("release flock %s: %w", l.path, err)
	}
	return nil
}

// acquire takes the flock on a fresh fd. On failure the channel token is
// returned so Lock/TryLock and Unlock stay balanced.
func (l *Lock) acquire(try func(*flock.Flock) (bool, error)) (bool, error) {
	fl := flock.New(l.path)
	ok, err := try(fl)
	if err != nil || !ok {
		<-l.ch
		return false, err
	}
	l.fl = fl
	return true, nil
}
