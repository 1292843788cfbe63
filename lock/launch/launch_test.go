package launch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmbridge/config"
	"github.com/projecteru2/vmbridge/types"
)

func testConf(t *testing.T) *config.Config {
	conf := config.DefaultConfig()
	conf.RunDir = t.TempDir()
	conf.Timing.LockStaleAfter = time.Minute
	return conf
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	l := New(testConf(t), "bridge-a")

	require.NoError(t, l.Acquire(ctx, types.TargetLinux))
	err := l.Acquire(ctx, types.TargetLinux)
	assert.ErrorIs(t, err, ErrInProgress)

	// Other targets are independent.
	require.NoError(t, l.Acquire(ctx, types.TargetWindows))

	m, err := l.Inspect(ctx, types.TargetLinux)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "bridge-a", m.Owner)

	require.NoError(t, l.Release(ctx, types.TargetLinux))
	m, err = l.Inspect(ctx, types.TargetLinux)
	require.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, l.Acquire(ctx, types.TargetLinux))
}

func TestSecondBridgeSeesFreshMarker(t *testing.T) {
	ctx := context.Background()
	conf := testConf(t)
	a := New(conf, "bridge-a")
	b := New(conf, "bridge-b")

	require.NoError(t, a.Acquire(ctx, types.TargetLinux))
	assert.ErrorIs(t, b.Acquire(ctx, types.TargetLinux), ErrInProgress)

	// b releasing does not clear a's marker.
	require.NoError(t, b.Release(ctx, types.TargetLinux))
	m, err := b.Inspect(ctx, types.TargetLinux)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "bridge-a", m.Owner)

	require.NoError(t, a.Release(ctx, types.TargetLinux))
	require.NoError(t, b.Acquire(ctx, types.TargetLinux))
}

func TestStaleMarkerReclaimed(t *testing.T) {
	ctx := context.Background()
	conf := testConf(t)
	a := New(conf, "bridge-a")
	b := New(conf, "bridge-b")

	base := time.Now()
	a.now = func() time.Time { return base }
	require.NoError(t, a.Acquire(ctx, types.TargetLinux))

	b.now = func() time.Time { return base.Add(30 * time.Second) }
	assert.ErrorIs(t, b.Acquire(ctx, types.TargetLinux), ErrInProgress)

	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.NoError(t, b.Acquire(ctx, types.TargetLinux))

	m, err := b.Inspect(ctx, types.TargetLinux)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "bridge-b", m.Owner)
}
