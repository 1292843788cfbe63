package gc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"
)

// Orchestrator runs GC cycles across registered modules.
type Orchestrator struct {
	modules []runner
}

// New creates an empty Orchestrator.
func New() *Orchestrator { return &Orchestrator{} }

// Register adds m to the cycle. Methods cannot take type parameters, hence a function.
func Register[S any](o *Orchestrator, m Module[S]) {
	o.modules = append(o.modules, m)
}

// Run executes one cycle and returns the IDs collected per module.
//
// Every module lock is taken with TryLock and held until the cycle ends. If
// any module is busy the cycle is aborted before anything is read: deciding
// with a partial view could remove something a busy module still needs.
func (o *Orchestrator) Run(ctx context.Context) (map[string][]string, error) {
	logger := log.WithFunc("gc.Run")

	var (
		locked []runner
		busy   []string
	)
	defer func() {
		for _, m := range locked {
			_ = m.getLocker().Unlock(ctx)
		}
	}()
	for _, m := range o.modules {
		ok, err := m.getLocker().TryLock(ctx)
		switch {
		case err != nil:
			logger.Warnf(ctx, "skip %s: %v", m.getName(), err)
			busy = append(busy, m.getName())
		case !ok:
			logger.Warnf(ctx, "skip %s: lock held", m.getName())
			busy = append(busy, m.getName())
		default:
			locked = append(locked, m)
		}
	}
	if len(busy) > 0 {
		return nil, fmt.Errorf("gc aborted, busy: %s", strings.Join(busy, ", "))
	}

	snapshots := make(map[string]any, len(locked))
	for _, m := range locked {
		snap, err := m.readSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("gc aborted, snapshot %s: %w", m.getName(), err)
		}
		snapshots[m.getName()] = snap
	}

	collected := make(map[string][]string)
	var errs []error
	for _, m := range locked {
		ids := m.resolveTargets(snapshots[m.getName()], snapshots)
		if len(ids) == 0 {
			continue
		}
		if err := m.collect(ctx, ids); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.getName(), err))
			continue
		}
		logger.Infof(ctx, "%s: collected %d item(s)", m.getName(), len(ids))
		collected[m.getName()] = ids
	}
	return collected, errors.Join(errs...)
}
