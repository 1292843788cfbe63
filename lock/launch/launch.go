// Package launch implements the per-target launch lock.
//
// The lock is a timestamped JSON marker guarded by flock. It prevents two
// launches of the same target from overlapping, whether they come from the
// same bridge or from two bridges sharing a run directory. A marker older than
// the stale threshold, or one whose holder process is gone, is reclaimed.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmbridge/config"
	storejson "github.com/projecteru2/vmbridge/storage/json"
	"github.com/projecteru2/vmbridge/types"
	"github.com/projecteru2/vmbridge/utils"
)

// ErrInProgress is returned when another launch of the same target holds the lock.
var ErrInProgress = errors.New("launch in progress")

// Marker is the on-disk record of a held launch lock. A zero Owner means free.
type Marker struct {
	Owner      string       `json:"owner,omitempty"`
	PID        int          `json:"pid,omitempty"`
	Target     types.Target `json:"target,omitempty"`
	AcquiredAt time.Time    `json:"acquired_at"`
}

func (m *Marker) held() bool { return m.Owner != "" }

// Lock hands out per-target launch locks for one bridge instance.
type Lock struct {
	conf       *config.Config
	owner      string
	staleAfter time.Duration

	mu   sync.Mutex
	held map[types.Target]bool

	now func() time.Time
}

// New creates a Lock; owner identifies this bridge instance in markers.
func New(conf *config.Config, owner string) *Lock {
	return &Lock{
		conf:       conf,
		owner:      owner,
		staleAfter: conf.Timing.LockStaleAfter,
		held:       make(map[types.Target]bool),
		now:        time.Now,
	}
}

func (l *Lock) store(target types.Target) *storejson.Store[Marker] {
	return storejson.New[Marker](l.conf.LaunchMarkerLock(target), l.conf.LaunchMarker(target))
}

// Acquire takes the launch lock for target or returns ErrInProgress.
func (l *Lock) Acquire(ctx context.Context, target types.Target) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[target] {
		return fmt.Errorf("%s: %w", target, ErrInProgress)
	}

	logger := log.WithFunc("launch.Acquire")
	now := l.now()
	err := l.store(target).Update(ctx, func(m *Marker) error {
		if m.held() {
			age := now.Sub(m.AcquiredAt)
			alive := m.PID == os.Getpid() || utils.IsProcessAlive(m.PID)
			if age < l.staleAfter && alive {
				logger.Infof(ctx, "%s launch marker held by %s (pid %d, age %s)", target, m.Owner, m.PID, age.Round(time.Millisecond))
				return fmt.Errorf("%s held by %s: %w", target, m.Owner, ErrInProgress)
			}
			logger.Warnf(ctx, "reclaiming stale %s launch marker from %s (pid %d, age %s)", target, m.Owner, m.PID, age.Round(time.Millisecond))
		}
		*m = Marker{Owner: l.owner, PID: os.Getpid(), Target: target, AcquiredAt: now}
		return nil
	})
	if err != nil {
		return err
	}
	l.held[target] = true
	return nil
}

// Release frees target's lock. The marker is cleared only if this instance owns it.
func (l *Lock) Release(ctx context.Context, target types.Target) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held[target] {
		return nil
	}
	delete(l.held, target)
	return l.store(target).Update(ctx, func(m *Marker) error {
		if m.Owner == l.owner {
			*m = Marker{}
		}
		return nil
	})
}

// Inspect returns the current marker for target, or nil when free.
func (l *Lock) Inspect(ctx context.Context, target types.Target) (*Marker, error) {
	var out *Marker
	err := l.store(target).With(ctx, func(m *Marker) error {
		if m.held() {
			cp := *m
			out = &cp
		}
		return nil
	})
	return out, err
}
