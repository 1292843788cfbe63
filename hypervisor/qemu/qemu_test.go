package qemu

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmbridge/config"
	"github.com/projecteru2/vmbridge/hypervisor"
	"github.com/projecteru2/vmbridge/types"
)

func testProfile(dir string) *hypervisor.Profile {
	return &hypervisor.Profile{
		Target:        types.TargetLinux,
		Machine:       "q35",
		MemoryBytes:   1 << 30,
		CPUs:          2,
		VNCDisplay:    1,
		DiskPath:      "/var/lib/vmbridge/disks/linux.img",
		DiskFormat:    types.DiskRaw,
		MonitorSocket: filepath.Join(dir, "monitor.sock"),
		PIDFile:       filepath.Join(dir, "qemu.pid"),
		ProcessLog:    filepath.Join(dir, "qemu.log"),
		SerialLog:     filepath.Join(dir, "serial.log"),
	}
}

// argAfter returns the value following flag, or "" when absent.
func argAfter(argv []string, flag string) string {
	for i := 0; i < len(argv)-1; i++ {
		if argv[i] == flag {
			return argv[i+1]
		}
	}
	return ""
}

func TestCommandHidden(t *testing.T) {
	q := New(config.DefaultConfig())
	p := testProfile("/run/vmbridge/linux")
	argv := q.Command(p)

	assert.Equal(t, "qemu-system-x86_64", argv[0])
	assert.Equal(t, "q35,accel=kvm:tcg", argAfter(argv, "-machine"))
	assert.Equal(t, "1024M", argAfter(argv, "-m"))
	assert.Equal(t, "2", argAfter(argv, "-smp"))
	assert.Equal(t, "none", argAfter(argv, "-display"))
	assert.Equal(t, "127.0.0.1:1", argAfter(argv, "-vnc"))
	assert.Equal(t, "none", argAfter(argv, "-nic"))
	assert.Equal(t, "unix:/run/vmbridge/linux/monitor.sock,server=on,wait=off", argAfter(argv, "-monitor"))
	assert.Contains(t, argAfter(argv, "-drive"), "file=/var/lib/vmbridge/disks/linux.img,format=raw,if=virtio")
	assert.Equal(t, "usb-tablet", argAfter(argv, "-device"))
	assert.NotContains(t, argv, "-loadvm")
	assert.NotContains(t, argv, "-netdev")
}

func TestCommandVisibleWithNetwork(t *testing.T) {
	q := New(config.DefaultConfig())
	p := testProfile("/run")
	p.Visible = true
	p.VisibleDisplay = "sdl"
	p.Network = true
	p.ExtraArgs = []string{"-rtc", "base=localtime"}

	argv := q.Command(p)
	assert.Equal(t, "sdl", argAfter(argv, "-display"))
	assert.Equal(t, "127.0.0.1:1", argAfter(argv, "-vnc"))
	assert.Equal(t, "user,id=net0", argAfter(argv, "-netdev"))
	assert.NotContains(t, argv, "-nic")
	assert.Equal(t, []string{"-rtc", "base=localtime"}, argv[len(argv)-2:])

	p.VisibleDisplay = ""
	assert.Equal(t, "gtk", argAfter(q.Command(p), "-display"))
}

func TestCommandResumeOnlyForSnapshotFormats(t *testing.T) {
	q := New(config.DefaultConfig())
	p := testProfile("/run")
	p.ResumeTag = "vmbridge-resume"
	assert.NotContains(t, q.Command(p), "-loadvm")

	p.DiskFormat = types.DiskQCOW2
	assert.Equal(t, "vmbridge-resume", argAfter(q.Command(p), "-loadvm"))
}

func TestCommandEscapesCommas(t *testing.T) {
	q := New(config.DefaultConfig())
	p := testProfile("/run/a,b")
	p.DiskPath = "/disks/x,y.img"
	argv := q.Command(p)
	assert.True(t, strings.HasPrefix(argAfter(argv, "-drive"), "file=/disks/x,,y.img,"))
	assert.Equal(t, "unix:/run/a,,b/monitor.sock,server=on,wait=off", argAfter(argv, "-monitor"))
}

func TestCommandDirectKernel(t *testing.T) {
	q := New(config.DefaultConfig())
	p := testProfile("/run")
	p.Kernel = "/boot/vmlinuz"
	p.Initrd = "/boot/initrd"
	p.Append = "console=ttyS0"
	argv := q.Command(p)
	assert.Equal(t, "/boot/vmlinuz", argAfter(argv, "-kernel"))
	assert.Equal(t, "/boot/initrd", argAfter(argv, "-initrd"))
	assert.Equal(t, "console=ttyS0", argAfter(argv, "-append"))
}

func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-qemu")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755)) //nolint:gosec
	return path
}

func TestLaunchDetectsEarlyExit(t *testing.T) {
	conf := config.DefaultConfig()
	conf.Tools.QEMU = fakeBinary(t, "echo 'could not open disk' >&2; exit 1")
	conf.Timing.SocketWait = 5 * time.Second
	dir := t.TempDir()

	_, err := New(conf).Launch(context.Background(), testProfile(dir))
	require.ErrorIs(t, err, hypervisor.ErrExited)

	out, readErr := os.ReadFile(filepath.Join(dir, "qemu.log"))
	require.NoError(t, readErr)
	assert.Contains(t, string(out), "could not open disk")
}

func TestLaunchSocketTimeoutKillsProcess(t *testing.T) {
	conf := config.DefaultConfig()
	conf.Tools.QEMU = fakeBinary(t, "exec sleep 30")
	conf.Timing.SocketWait = 300 * time.Millisecond
	conf.Timing.TerminateGrace = time.Second
	dir := t.TempDir()

	start := time.Now()
	_, err := New(conf).Launch(context.Background(), testProfile(dir))
	require.ErrorIs(t, err, hypervisor.ErrSocketTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAdoptRejectsForeignProcess(t *testing.T) {
	q := New(config.DefaultConfig())
	assert.Nil(t, q.Adopt(os.Getpid(), "/nonexistent.sock", ""))
	assert.Nil(t, q.Adopt(0, "/nonexistent.sock", ""))
}
