package hypervisor

import (
	"context"
	"net"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmbridge/utils"
)

func TestVNCEndpoint(t *testing.T) {
	assert.Equal(t, "127.0.0.1:5901", VNCEndpoint(1))
	assert.Equal(t, "127.0.0.1:5900", VNCEndpoint(0))
}

func TestWaitForSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "m.sock")
	lnCh := make(chan net.Listener, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		ln, err := net.Listen("unix", sock)
		if err != nil {
			close(lnCh)
			return
		}
		lnCh <- ln
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	require.NoError(t, WaitForSocket(context.Background(), sock, 3*time.Second, nil))
	if ln, ok := <-lnCh; ok {
		_ = ln.Close()
	}
}

func TestWaitForSocketFailures(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "never.sock")

	err := WaitForSocket(context.Background(), sock, 200*time.Millisecond, nil)
	assert.ErrorIs(t, err, ErrSocketTimeout)

	exited := make(chan struct{})
	close(exited)
	err = WaitForSocket(context.Background(), sock, 5*time.Second, exited)
	assert.ErrorIs(t, err, ErrExited)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = WaitForSocket(ctx, sock, 5*time.Second, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessOwned(t *testing.T) {
	done := make(chan struct{})
	p := NewProcess(1234, "/run/m.sock", VNCEndpoint(1), "qemu-system-x86_64", done)
	assert.True(t, p.Alive())
	assert.False(t, p.Adopted())

	ctx := context.Background()
	assert.ErrorIs(t, p.Wait(ctx, 50*time.Millisecond), utils.ErrWaitTimeout)

	close(done)
	assert.False(t, p.Alive())
	assert.NoError(t, p.Wait(ctx, time.Second))
	// Dead handles terminate as a no-op.
	assert.NoError(t, p.Terminate(ctx, time.Second))
}

func TestProcessTerminate(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	p := NewProcess(cmd.Process.Pid, "", "", "sleep", done)
	require.True(t, p.Alive())
	require.NoError(t, p.Terminate(context.Background(), 2*time.Second))
	assert.False(t, p.Alive())
}

func TestProcessAdopted(t *testing.T) {
	var nilProc *Process
	assert.False(t, nilProc.Alive())

	p := AdoptProcess(999999999, "", "", "qemu-system-x86_64")
	assert.True(t, p.Adopted())
	assert.False(t, p.Alive())
	assert.Nil(t, p.Exited())
}
