package utils

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitFor(t *testing.T) {
	ctx := context.Background()

	n := 0
	err := WaitFor(ctx, time.Second, time.Millisecond, func() (bool, error) {
		n++
		return n == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	err = WaitFor(ctx, 20*time.Millisecond, 5*time.Millisecond, func() (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, ErrWaitTimeout)

	boom := errors.New("boom")
	err = WaitFor(ctx, time.Second, time.Millisecond, func() (bool, error) {
		return false, boom
	})
	assert.ErrorIs(t, err, boom)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err = WaitFor(cctx, time.Second, time.Millisecond, func() (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAppendLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, AppendLine(path, "one"))
	require.NoError(t, AppendLine(path, "two"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}

func TestRemoveIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	require.NoError(t, RemoveIfExists(path))
	require.NoError(t, RemoveIfExists(path))
	require.NoError(t, RemoveIfExists(""))
	assert.False(t, ValidFile(path))
}

func TestAtomicWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, AtomicWriteJSON(path, map[string]int{"a": 1}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pid")
	require.NoError(t, os.WriteFile(path, []byte("4242\n"), 0o600))
	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestTerminateProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	pid := cmd.Process.Pid
	assert.True(t, IsProcessAlive(pid))
	assert.True(t, VerifyProcess(pid, "/usr/bin/sleep"))
	assert.False(t, VerifyProcess(pid, "qemu-system-x86_64"))

	require.NoError(t, TerminateProcess(context.Background(), pid, time.Second))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.False(t, IsProcessAlive(pid))
}

func TestSortedValues(t *testing.T) {
	a, b := 1, 2
	got := SortedValues(map[string]*int{"b": &b, "a": &a, "c": nil})
	assert.Equal(t, []int{1, 2}, got)

	_, err := LookupCopy(map[string]*int{}, "x")
	assert.Error(t, err)
}
