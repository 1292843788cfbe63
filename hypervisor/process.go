package hypervisor

import (
	"context"
	"time"

	"github.com/projecteru2/vmbridge/utils"
)

const exitPollInterval = 200 * time.Millisecond

// Process is the handle to a running VMM.
//
// A handle created by Launch owns the child: a reaper goroutine closes done
// when it exits, so death is noticed without polling. An adopted handle only
// knows the PID and checks it against the VMM binary name on every use.
type Process struct {
	PID             int
	SocketPath      string
	DisplayEndpoint string // host:port of the VNC server

	binary string
	done   chan struct{} // nil for adopted processes
}

// NewProcess wraps a child whose exit closes done.
func NewProcess(pid int, socket, endpoint, binary string, done chan struct{}) *Process {
	return &Process{PID: pid, SocketPath: socket, DisplayEndpoint: endpoint, binary: binary, done: done}
}

// AdoptProcess wraps a VMM this bridge did not spawn.
func AdoptProcess(pid int, socket, endpoint, binary string) *Process {
	return &Process{PID: pid, SocketPath: socket, DisplayEndpoint: endpoint, binary: binary}
}

// Alive reports whether the VMM is still running.
func (p *Process) Alive() bool {
	if p == nil {
		return false
	}
	if p.done != nil {
		select {
		case <-p.done:
			return false
		default:
			return true
		}
	}
	return utils.VerifyProcess(p.PID, p.binary)
}

// Exited is closed when an owned child exits. It is nil for adopted
// processes, which have no reaper.
func (p *Process) Exited() <-chan struct{} { return p.done }

// Adopted reports whether the handle came from an earlier bridge run.
func (p *Process) Adopted() bool { return p != nil && p.done == nil }

// Wait blocks until the process exits or timeout passes.
func (p *Process) Wait(ctx context.Context, timeout time.Duration) error {
	if p.done != nil {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-p.done:
			return nil
		case <-t.C:
			return utils.ErrWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return utils.WaitFor(ctx, timeout, exitPollInterval, func() (bool, error) {
		return !p.Alive(), nil
	})
}

// Terminate sends SIGTERM then SIGKILL after grace. For owned children it
// also waits for the reaper so no zombie is left behind.
func (p *Process) Terminate(ctx context.Context, grace time.Duration) error {
	if !p.Alive() {
		return nil
	}
	if err := utils.TerminateProcess(ctx, p.PID, grace); err != nil {
		return err
	}
	if p.done != nil {
		return p.Wait(ctx, grace)
	}
	return nil
}
