package ack

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmbridge/config"
	"github.com/projecteru2/vmbridge/protocol"
	"github.com/projecteru2/vmbridge/types"
)

type fakeRelay struct {
	mu     sync.Mutex
	writes []string
	err    error
}

func (f *fakeRelay) RingbufWrite(_ context.Context, socket, chardev, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, socket+"|"+chardev+"|"+data)
	return f.err
}

func newEmitter(t *testing.T, relay Relay, relayConf config.RelayConfig) (*Emitter, string) {
	t.Helper()
	conf := config.DefaultConfig()
	conf.AckLog = filepath.Join(t.TempDir(), "serial.log")
	conf.Relay = relayConf
	return New(conf, protocol.NewCodec("", "", "", 0), relay), conf.AckLog
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestEmitAppendsAckLine(t *testing.T) {
	e, path := newEmitter(t, nil, config.RelayConfig{})
	ctx := context.Background()
	ev := types.Event{Kind: types.EventShow, Target: types.TargetLinux}

	require.NoError(t, e.Emit(ctx, types.OK(ev, "launching")))
	require.NoError(t, e.Emit(ctx, types.Err(ev, "debounced")))

	assert.Equal(t, []string{
		"RAYOS_HOST_ACK:LINUX_SHOW:ok:launching",
		"RAYOS_HOST_ACK:LINUX_SHOW:err:debounced",
	}, readLines(t, path))
}

func TestEmitRelaysShortForm(t *testing.T) {
	relay := &fakeRelay{err: errors.New("socket gone")}
	e, path := newEmitter(t, relay, config.RelayConfig{Socket: "/run/rayos.sock", Chardev: "hostack"})
	ev := types.Event{Kind: types.EventSendText, Target: types.TargetWindows}

	// A failing relay never fails the ack itself.
	require.NoError(t, e.Emit(context.Background(), types.OK(ev, "sent")))
	assert.Equal(t, []string{"RAYOS_HOST_ACK:WINDOWS_SENDTEXT:ok:sent"}, readLines(t, path))
	assert.Equal(t, []string{"/run/rayos.sock|hostack|WINDOWS_SENDTEXT:ok\n"}, relay.writes)
}

func TestEmitSkipsRelayWhenNotConfigured(t *testing.T) {
	relay := &fakeRelay{}
	e, _ := newEmitter(t, relay, config.RelayConfig{Socket: "/run/rayos.sock"})
	ev := types.Event{Kind: types.EventHide, Target: types.TargetLinux}
	require.NoError(t, e.Emit(context.Background(), types.OK(ev, "hidden")))
	assert.Empty(t, relay.writes)
}

func TestEmitConcurrentLinesStayWhole(t *testing.T) {
	e, path := newEmitter(t, nil, config.RelayConfig{})
	ev := types.Event{Kind: types.EventSendKey, Target: types.TargetLinux}
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Emit(context.Background(), types.OK(ev, "sent"))
		}()
	}
	wg.Wait()
	lines := readLines(t, path)
	assert.Len(t, lines, 50)
	for _, l := range lines {
		assert.Equal(t, "RAYOS_HOST_ACK:LINUX_SENDKEY:ok:sent", l)
	}
}

func TestEmitWriteFailure(t *testing.T) {
	conf := config.DefaultConfig()
	conf.AckLog = filepath.Join(t.TempDir(), "missing", "dir", "serial.log")
	e := New(conf, protocol.NewCodec("", "", "", 0), nil)
	ev := types.Event{Kind: types.EventShow, Target: types.TargetLinux}
	assert.Error(t, e.Emit(context.Background(), types.OK(ev, "launching")))
}
