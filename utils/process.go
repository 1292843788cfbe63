package utils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const terminatePollInterval = 100 * time.Millisecond

// ReadPIDFile reads a PID integer from path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // internal runtime path
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID from %s: %w", path, err)
	}
	return pid, nil
}

// IsProcessAlive returns true if a process with the given PID currently exists.
// Uses kill(pid, 0): no signal is sent, only existence is checked.
// Zombies count as dead.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if unix.Kill(pid, 0) != nil {
		return false
	}
	return !isZombie(pid)
}

// VerifyProcess reports whether pid is alive and its command name matches name.
// Guards against signalling a recycled PID. On systems without /proc the
// liveness check alone decides.
func VerifyProcess(pid int, name string) bool {
	if !IsProcessAlive(pid) {
		return false
	}
	comm, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "comm")) //nolint:gosec
	if err != nil {
		return os.IsNotExist(err) && !procMounted()
	}
	// comm is truncated to 15 bytes by the kernel.
	got := strings.TrimSpace(string(comm))
	want := filepath.Base(name)
	if len(want) > 15 { //nolint:mnd
		want = want[:15]
	}
	return got == want
}

// TerminateProcess sends SIGTERM to pid's process group (or to pid alone when
// it does not lead one), waits up to gracePeriod for it to exit, then falls
// back to SIGKILL.
func TerminateProcess(ctx context.Context, pid int, gracePeriod time.Duration) error {
	if !IsProcessAlive(pid) {
		return nil
	}
	if err := signalTree(pid, unix.SIGTERM); err != nil {
		if !IsProcessAlive(pid) {
			return nil
		}
		return signalTree(pid, unix.SIGKILL)
	}
	err := WaitFor(ctx, gracePeriod, terminatePollInterval, func() (bool, error) {
		return !IsProcessAlive(pid), nil
	})
	if err == nil {
		return nil
	}
	if kerr := signalTree(pid, unix.SIGKILL); kerr != nil && IsProcessAlive(pid) {
		return fmt.Errorf("kill %d: %w", pid, kerr)
	}
	return nil
}

func signalTree(pid int, sig unix.Signal) error {
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		return unix.Kill(-pid, sig)
	}
	return unix.Kill(pid, sig)
}

func isZombie(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat")) //nolint:gosec
	if err != nil {
		return false
	}
	// Format: pid (comm) state ...; comm may contain spaces.
	s := string(data)
	i := strings.LastIndexByte(s, ')')
	if i < 0 || i+2 >= len(s) {
		return false
	}
	return s[i+2] == 'Z'
}

func procMounted() bool {
	_, err := os.Stat("/proc/self")
	return err == nil
}
