// Package gc removes runtime leftovers that no live session references.
//
// Each participating component registers a Module. A cycle locks every module,
// snapshots their state, lets each module pick what to delete with all other
// snapshots in view, then collects.
package gc

import (
	"context"

	"github.com/projecteru2/vmbridge/lock"
)

// Module is one component's view of its garbage. S is its snapshot type.
type Module[S any] struct {
	Name string
	// Locker is held for the whole cycle; ReadDB and Collect must not take it again.
	Locker  lock.Locker
	ReadDB  func(ctx context.Context) (S, error)
	Resolve func(snap S, others map[string]any) []string
	Collect func(ctx context.Context, ids []string) error
}

// runner erases S so the Orchestrator can hold modules of different types.
type runner interface {
	getName() string
	getLocker() lock.Locker
	readSnapshot(ctx context.Context) (any, error)
	resolveTargets(snap any, others map[string]any) []string
	collect(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string        { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	s, _ := snap.(S)
	return m.Resolve(s, others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}
