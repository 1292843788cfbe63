// Package presenter attaches remote display viewers to running VMs.
//
// A viewer is an ordinary desktop program pointed at the VM's loopback VNC
// endpoint. Detaching kills the viewer and never touches the VM.
package presenter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"text/template"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmbridge/config"
	"github.com/projecteru2/vmbridge/hypervisor"
	"github.com/projecteru2/vmbridge/types"
	"github.com/projecteru2/vmbridge/utils"
)

const (
	endpointPollInterval = 100 * time.Millisecond
	// startupGrace is how long a viewer must survive to count as attached.
	startupGrace = 500 * time.Millisecond
	detachGrace  = 2 * time.Second
)

// ErrUnavailable means no viewer could be attached. Callers fall back to a
// directly visible launch.
var ErrUnavailable = errors.New("no viewer available")

// Endpoint is the data available to viewer argument templates.
type Endpoint struct {
	Host    string
	Port    int
	Display int // VNC display number, Port-5900
}

// ParseEndpoint splits a host:port VNC endpoint.
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", addr, err)
	}
	return Endpoint{Host: host, Port: port, Display: port - 5900}, nil //nolint:mnd
}

// Viewer is a running viewer process.
type Viewer struct {
	Name     string
	PID      int
	Endpoint string

	done chan struct{} // nil for viewers adopted from a previous run
}

// NewViewer wraps a viewer whose exit closes done.
func NewViewer(name string, pid int, endpoint string, done chan struct{}) *Viewer {
	return &Viewer{Name: name, PID: pid, Endpoint: endpoint, done: done}
}

// Alive reports whether the viewer is still running.
func (v *Viewer) Alive() bool {
	if v == nil {
		return false
	}
	if v.done == nil {
		return utils.IsProcessAlive(v.PID)
	}
	select {
	case <-v.done:
		return false
	default:
		return true
	}
}

type candidate struct {
	name string
	path string
	args []*template.Template
}

// Manager discovers viewers and runs them.
type Manager struct {
	viewers []config.ViewerConfig
	wait    time.Duration
	logPath func(types.Target) string
	// lookPath is exec.LookPath, swapped in tests.
	lookPath func(string) (string, error)
}

// New creates a Manager from config.
func New(conf *config.Config) *Manager {
	return &Manager{
		viewers:  conf.Viewers,
		wait:     conf.Timing.ViewerWait,
		logPath:  conf.ViewerLog,
		lookPath: exec.LookPath,
	}
}

// Available reports whether any configured viewer is installed.
func (m *Manager) Available() bool {
	_, err := m.find()
	return err == nil
}

// Attach starts the first installed viewer against endpoint. Every failure
// wraps ErrUnavailable.
func (m *Manager) Attach(ctx context.Context, target types.Target, endpoint string) (*Viewer, error) {
	logger := log.WithFunc("presenter.Attach")

	c, err := m.find()
	if err != nil {
		return nil, err
	}
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	args, err := c.render(ep)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if err := utils.WaitFor(ctx, m.wait, endpointPollInterval, func() (bool, error) {
		return hypervisor.CheckTCP(endpoint) == nil, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: display endpoint %s: %w", ErrUnavailable, endpoint, err)
	}

	logPath := m.logPath(target)
	if err := utils.EnsureDirs(filepath.Dir(logPath)); err != nil {
		return nil, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec,mnd
	if err != nil {
		return nil, fmt.Errorf("open viewer log: %w", err)
	}

	cmd := exec.Command(c.path, args...) //nolint:gosec
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("%w: exec %s: %w", ErrUnavailable, c.name, err)
	}

	v := &Viewer{Name: c.name, PID: cmd.Process.Pid, Endpoint: endpoint, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
		close(v.done)
	}()

	// A viewer that dies right away (no display, bad args) is as good as none.
	if err := utils.Sleep(ctx, startupGrace); err != nil {
		m.kill(context.WithoutCancel(ctx), v)
		return nil, err
	}
	if !v.Alive() {
		return nil, fmt.Errorf("%w: %s exited immediately (see %s)", ErrUnavailable, c.name, logPath)
	}
	logger.Infof(ctx, "%s: %s pid %d attached to %s", target, c.name, v.PID, endpoint)
	return v, nil
}

// Detach terminates the viewer's process group. The VM is not affected.
func (m *Manager) Detach(ctx context.Context, v *Viewer) error {
	if v == nil {
		return nil
	}
	return m.kill(ctx, v)
}

// Adopt wraps a viewer PID from a previous run so it can be detached. The
// process must still run one of the configured viewers, name when given;
// otherwise the PID was recycled and nil is returned.
func (m *Manager) Adopt(pid int, name, endpoint string) *Viewer {
	if pid <= 0 {
		return nil
	}
	for _, vc := range m.viewers {
		if name != "" && vc.Name != name {
			continue
		}
		if utils.VerifyProcess(pid, vc.Name) {
			return &Viewer{Name: vc.Name, PID: pid, Endpoint: endpoint}
		}
	}
	return nil
}

func (m *Manager) kill(ctx context.Context, v *Viewer) error {
	if !v.Alive() {
		return nil
	}
	if err := utils.TerminateProcess(ctx, v.PID, detachGrace); err != nil {
		return fmt.Errorf("terminate viewer %d: %w", v.PID, err)
	}
	if v.done != nil {
		select {
		case <-v.done:
		case <-time.After(detachGrace):
		}
	}
	return nil
}

func (m *Manager) find() (*candidate, error) {
	for _, vc := range m.viewers {
		path, err := m.lookPath(vc.Name)
		if err != nil {
			continue
		}
		c := &candidate{name: vc.Name, path: path}
		for i, a := range vc.Args {
			tmpl, err := template.New(fmt.Sprintf("%s-%d", vc.Name, i)).Option("missingkey=error").Parse(a)
			if err != nil {
				return nil, fmt.Errorf("viewer %s arg %q: %w", vc.Name, a, err)
			}
			c.args = append(c.args, tmpl)
		}
		return c, nil
	}
	return nil, ErrUnavailable
}

func (c *candidate) render(ep Endpoint) ([]string, error) {
	out := make([]string, 0, len(c.args))
	for _, t := range c.args {
		var buf bytes.Buffer
		if err := t.Execute(&buf, ep); err != nil {
			return nil, fmt.Errorf("render %s args: %w", c.name, err)
		}
		out = append(out, buf.String())
	}
	return out, nil
}
