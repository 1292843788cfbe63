package bridge

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"

	"github.com/projecteru2/vmbridge/disk"
	"github.com/projecteru2/vmbridge/hypervisor"
	"github.com/projecteru2/vmbridge/presenter"
	"github.com/projecteru2/vmbridge/types"
)

type fakeDisks struct {
	mu       sync.Mutex
	seen     map[string]bool
	ensured  []disk.Spec
	removed  []string
	err      error
	corrupt  bool // next Ensure on an existing disk reports recreated
	snapshot bool
}

func (f *fakeDisks) Ensure(_ context.Context, spec disk.Spec) (*disk.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, spec)
	if f.err != nil {
		return nil, f.err
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	res := &disk.Result{Path: spec.Path, Format: spec.Format, Status: types.DiskClean}
	switch {
	case !f.seen[spec.Path]:
		res.Status = types.DiskCreated
	case f.corrupt:
		res.Status = types.DiskRecreated
		f.corrupt = false
	}
	f.seen[spec.Path] = true
	return res, nil
}

func (f *fakeDisks) HasSnapshot(_ context.Context, _ disk.Spec, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, nil
}

func (f *fakeDisks) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	delete(f.seen, path)
	return nil
}

// fakeLauncher runs "sleep" in place of a VMM so process handling is real.
type fakeLauncher struct {
	mu       sync.Mutex
	profiles []hypervisor.Profile
	procs    map[string]*hypervisor.Process // by socket
	adopt    map[int]*hypervisor.Process
	fail     error
}

func (f *fakeLauncher) Launch(_ context.Context, p *hypervisor.Profile) (*hypervisor.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles = append(f.profiles, *p)
	if f.fail != nil {
		err := f.fail
		f.fail = nil
		return nil, err
	}
	cmd := exec.Command("sleep", "300")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	proc := hypervisor.NewProcess(cmd.Process.Pid, p.MonitorSocket, hypervisor.VNCEndpoint(p.VNCDisplay), "sleep", done)
	if f.procs == nil {
		f.procs = map[string]*hypervisor.Process{}
	}
	f.procs[p.MonitorSocket] = proc
	return proc, nil
}

func (f *fakeLauncher) Command(p *hypervisor.Profile) []string { return []string{"sleep", "300"} }

func (f *fakeLauncher) Adopt(pid int, _, _ string) *hypervisor.Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adopt[pid]
}

// kill simulates the guest powering off.
func (f *fakeLauncher) kill(socket string) {
	f.mu.Lock()
	proc := f.procs[socket]
	f.mu.Unlock()
	if proc != nil && proc.Alive() {
		_ = syscall.Kill(-proc.PID, syscall.SIGKILL)
		<-proc.Exited()
	}
}

func (f *fakeLauncher) launches() []hypervisor.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hypervisor.Profile(nil), f.profiles...)
}

type fakeControl struct {
	mu       sync.Mutex
	calls    []string
	err      error
	panics   bool
	launcher *fakeLauncher
	// ignorePower leaves the VMM running after a power-off request.
	ignorePower bool
}

func (f *fakeControl) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if f.panics {
		panic("monitor exploded")
	}
	return f.err
}

func (f *fakeControl) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeControl) SendKey(_ context.Context, _, spec string) error {
	return f.record("sendkey " + spec)
}

func (f *fakeControl) SendText(_ context.Context, _, text string, _ bool) error {
	return f.record("sendtext " + text)
}

func (f *fakeControl) PointerMove(_ context.Context, _ string, _, _ float64) error {
	return f.record("mouse_move")
}

func (f *fakeControl) Click(_ context.Context, _, button string) error {
	return f.record("click " + button)
}

func (f *fakeControl) PowerDown(_ context.Context, socket string) error {
	if err := f.record("system_powerdown"); err != nil {
		return err
	}
	if !f.ignorePower {
		f.launcher.kill(socket)
	}
	return nil
}

func (f *fakeControl) SaveState(_ context.Context, _, tag string) error {
	return f.record("savevm " + tag)
}

func (f *fakeControl) Quit(_ context.Context, socket string) error {
	if err := f.record("quit"); err != nil {
		return err
	}
	f.launcher.kill(socket)
	return nil
}

type fakePresenter struct {
	mu        sync.Mutex
	available bool
	attachErr error
	attached  int
	detached  int
	viewers   []*presenter.Viewer
	closers   map[*presenter.Viewer]chan struct{}
}

func (f *fakePresenter) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *fakePresenter) Attach(_ context.Context, _ types.Target, endpoint string) (*presenter.Viewer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	done := make(chan struct{})
	v := presenter.NewViewer("fake-viewer", 0, endpoint, done)
	if f.closers == nil {
		f.closers = map[*presenter.Viewer]chan struct{}{}
	}
	f.closers[v] = done
	f.viewers = append(f.viewers, v)
	f.attached++
	return v, nil
}

func (f *fakePresenter) Detach(_ context.Context, v *presenter.Viewer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached++
	if done, ok := f.closers[v]; ok {
		close(done)
		delete(f.closers, v)
	}
	return nil
}

func (f *fakePresenter) Adopt(int, string, string) *presenter.Viewer { return nil }

// closeWindow simulates the user closing the most recent viewer.
func (f *fakePresenter) closeWindow() {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.viewers[len(f.viewers)-1]
	if done, ok := f.closers[v]; ok {
		close(done)
		delete(f.closers, v)
	}
}

type fakeAcker struct {
	mu   sync.Mutex
	acks []types.AckRecord
}

func (f *fakeAcker) Emit(_ context.Context, rec types.AckRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, rec)
	return nil
}

func (f *fakeAcker) all() []types.AckRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.AckRecord(nil), f.acks...)
}

// chanSource feeds Run from a channel.
type chanSource chan types.Event

func (c chanSource) Next(ctx context.Context) (types.Event, error) {
	select {
	case ev, ok := <-c:
		if !ok {
			return types.Event{}, errors.New("source closed")
		}
		return ev, nil
	case <-ctx.Done():
		return types.Event{}, ctx.Err()
	}
}
