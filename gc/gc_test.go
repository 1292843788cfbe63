package gc

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmbridge/lock/flock"
)

type fileSnap struct{ names []string }

func module(t *testing.T, name string, lockPath string, names []string, collected *[]string) Module[fileSnap] {
	t.Helper()
	return Module[fileSnap]{
		Name:   name,
		Locker: flock.New(lockPath),
		ReadDB: func(context.Context) (fileSnap, error) { return fileSnap{names: names}, nil },
		Resolve: func(s fileSnap, others map[string]any) []string {
			// Keep anything another module still lists.
			keep := map[string]bool{}
			for other, snap := range others {
				if other == name {
					continue
				}
				for _, n := range snap.(fileSnap).names {
					keep[n] = true
				}
			}
			var out []string
			for _, n := range s.names {
				if !keep[n] {
					out = append(out, n)
				}
			}
			return out
		},
		Collect: func(_ context.Context, ids []string) error {
			*collected = append(*collected, ids...)
			return nil
		},
	}
}

func TestRunCrossModule(t *testing.T) {
	dir := t.TempDir()
	var a, b []string
	o := New()
	Register(o, module(t, "a", filepath.Join(dir, "a.lock"), []string{"x", "y"}, &a))
	Register(o, module(t, "b", filepath.Join(dir, "b.lock"), []string{"y"}, &b))

	got, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, a)
	assert.Empty(t, b)
	assert.Equal(t, map[string][]string{"a": {"x"}}, got)
}

func TestRunAbortsWhenBusy(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	var a []string
	o := New()
	Register(o, module(t, "a", filepath.Join(dir, "a.lock"), []string{"x"}, &a))

	holder := flock.New(filepath.Join(dir, "a.lock"))
	require.NoError(t, holder.Lock(ctx))
	_, err := o.Run(ctx)
	assert.ErrorContains(t, err, "busy: a")
	assert.Empty(t, a)
	require.NoError(t, holder.Unlock(ctx))

	_, err = o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, a)
}

func TestRunJoinsCollectErrors(t *testing.T) {
	dir := t.TempDir()
	var a []string
	m := module(t, "a", filepath.Join(dir, "a.lock"), []string{"x"}, &a)
	m.Collect = func(context.Context, []string) error { return errors.New("disk busy") }
	o := New()
	Register(o, m)

	got, err := o.Run(context.Background())
	assert.ErrorContains(t, err, "a: disk busy")
	assert.Empty(t, got)
}
