// Package qemu launches guest VMs with qemu-system and hands back a process
// handle whose control socket is an HMP monitor.
package qemu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmbridge/config"
	"github.com/projecteru2/vmbridge/hypervisor"
	"github.com/projecteru2/vmbridge/utils"
)

var _ hypervisor.Launcher = (*QEMU)(nil)

// QEMU implements hypervisor.Launcher.
type QEMU struct {
	binary     string
	socketWait time.Duration
	grace      time.Duration
}

// New creates a QEMU launcher from config.
func New(conf *config.Config) *QEMU {
	return &QEMU{
		binary:     conf.Tools.QEMU,
		socketWait: conf.Timing.SocketWait,
		grace:      conf.Timing.TerminateGrace,
	}
}

// Command returns the full argv, binary first.
func (q *QEMU) Command(p *hypervisor.Profile) []string {
	return buildArgs(q.binary, p)
}

// Launch starts QEMU in its own process group so it survives the bridge, then
// waits for the monitor socket. Any failure kills the process before returning.
func (q *QEMU) Launch(ctx context.Context, p *hypervisor.Profile) (*hypervisor.Process, error) {
	logger := log.WithFunc("qemu.Launch")

	if p.ResumeTag != "" && !p.DiskFormat.Snapshots() {
		logger.Warnf(ctx, "%s: resume tag %q ignored for %s disk", p.Target, p.ResumeTag, p.DiskFormat)
	}

	if err := utils.EnsureDirs(filepath.Dir(p.MonitorSocket), filepath.Dir(p.ProcessLog)); err != nil {
		return nil, err
	}
	// Stale runtime files from a previous run would fool the socket wait.
	_ = os.Remove(p.MonitorSocket)
	_ = utils.RemoveIfExists(p.PIDFile)

	logFile, err := os.OpenFile(p.ProcessLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec,mnd
	if err != nil {
		return nil, fmt.Errorf("open process log: %w", err)
	}

	argv := q.Command(p)
	// Not CommandContext: the VMM must outlive the request that started it.
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	logger.Infof(ctx, "%s: exec %v", p.Target, argv)
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("exec %s: %w", q.binary, err)
	}
	pid := cmd.Process.Pid

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := cmd.Wait()
		_ = logFile.Close()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			logger.Warnf(context.WithoutCancel(ctx), "%s: wait pid %d: %v", p.Target, pid, err)
			return
		}
		logger.Infof(context.WithoutCancel(ctx), "%s: VMM pid %d exited: %s", p.Target, pid, cmd.ProcessState)
	}()

	proc := hypervisor.NewProcess(pid, p.MonitorSocket, hypervisor.VNCEndpoint(p.VNCDisplay), q.name(), done)
	if err := hypervisor.WaitForSocket(ctx, p.MonitorSocket, q.socketWait, done); err != nil {
		// The launch ctx may already be cancelled; cleanup must still finish.
		cleanupCtx := context.WithoutCancel(ctx)
		if termErr := proc.Terminate(cleanupCtx, q.grace); termErr != nil {
			logger.Warnf(cleanupCtx, "%s: terminate failed launch pid %d: %v", p.Target, pid, termErr)
		}
		_ = os.Remove(p.MonitorSocket)
		_ = utils.RemoveIfExists(p.PIDFile)
		return nil, fmt.Errorf("launch %s: %w (see %s)", p.Target, err, p.ProcessLog)
	}
	logger.Infof(ctx, "%s: VMM pid %d ready, monitor %s", p.Target, pid, p.MonitorSocket)
	return proc, nil
}

// Adopt wraps a VMM left running by an earlier bridge. The PID must still
// belong to the QEMU binary and its monitor must answer.
func (q *QEMU) Adopt(pid int, socket, endpoint string) *hypervisor.Process {
	if pid <= 0 || !utils.VerifyProcess(pid, q.name()) {
		return nil
	}
	if hypervisor.CheckSocket(socket) != nil {
		return nil
	}
	return hypervisor.AdoptProcess(pid, socket, endpoint, q.name())
}

func (q *QEMU) name() string { return filepath.Base(q.binary) }
