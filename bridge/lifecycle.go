package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/docker/go-units"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmbridge/disk"
	"github.com/projecteru2/vmbridge/hypervisor"
	"github.com/projecteru2/vmbridge/lock/launch"
	"github.com/projecteru2/vmbridge/types"
	"github.com/projecteru2/vmbridge/utils"
)

// launchError carries the ack reason for a refused or failed launch.
type launchError struct {
	reason string
	err    error
}

func (e *launchError) Error() string { return e.reason + ": " + e.err.Error() }
func (e *launchError) Unwrap() error { return e.err }

func reasonOf(err error) string {
	var le *launchError
	if errors.As(err, &le) {
		return le.reason
	}
	return ReasonInternal
}

func (b *Bridge) show(ctx context.Context, s *Session, ev types.Event) types.AckRecord {
	logger := log.WithFunc("bridge.show")
	if s.debounced(ev, b.conf.Timing.Debounce) {
		return types.Err(ev, ReasonDebounced)
	}
	b.observe(ctx, s)

	switch s.State {
	case types.SessionStopped:
		if err := b.launchShown(ctx, s); err != nil {
			logger.Warnf(ctx, "%s: %v", s.Target, err)
			return types.Err(ev, reasonOf(err))
		}
		return types.OK(ev, DetailLaunching)

	case types.SessionRunningHidden:
		if b.Presenter.Available() {
			if b.present(ctx, s) == nil {
				return types.OK(ev, DetailPresented)
			}
		}
		// No usable viewer: trade the hidden instance for a visible one.
		logger.Infof(ctx, "%s: no viewer, relaunching visible", s.Target)
		if err := b.stop(ctx, s); err != nil {
			logger.Warnf(ctx, "%s: stop hidden instance: %v", s.Target, err)
			return types.Err(ev, ReasonStopFailed)
		}
		if err := b.launch(ctx, s, true); err != nil {
			logger.Warnf(ctx, "%s: %v", s.Target, err)
			return types.Err(ev, reasonOf(err))
		}
		return types.OK(ev, DetailRelaunchedVisible)

	case types.SessionRunningVisible, types.SessionPresenting:
		// The user may have closed the viewer window; present again.
		if s.Viewer != nil && !s.Viewer.Alive() {
			s.Viewer = nil
			b.setState(ctx, s, types.SessionRunningHidden)
			if b.present(ctx, s) == nil {
				return types.OK(ev, DetailPresented)
			}
			return types.Err(ev, ReasonNotVisible)
		}
		return types.Err(ev, ReasonAlreadyRunning)

	case types.SessionStarting:
		return types.Err(ev, ReasonLaunchInProgress)
	default:
		return types.Err(ev, ReasonNotRunning)
	}
}

// launchShown brings a stopped target on screen: hidden launch plus viewer
// when a viewer exists, otherwise a directly visible launch.
func (b *Bridge) launchShown(ctx context.Context, s *Session) error {
	if !b.Presenter.Available() {
		return b.launch(ctx, s, true)
	}
	if err := b.launch(ctx, s, false); err != nil {
		return err
	}
	if b.present(ctx, s) == nil {
		return nil
	}
	log.WithFunc("bridge.launchShown").Infof(ctx, "%s: viewer failed, relaunching visible", s.Target)
	if err := b.stop(ctx, s); err != nil {
		return &launchError{reason: ReasonLaunchFailed, err: err}
	}
	return b.launch(ctx, s, true)
}

// present attaches a viewer to a hidden session. On failure the session is
// left running hidden.
func (b *Bridge) present(ctx context.Context, s *Session) error {
	b.setState(ctx, s, types.SessionPresenting)
	v, err := b.Presenter.Attach(ctx, s.Target, s.Process.DisplayEndpoint)
	if err != nil {
		log.WithFunc("bridge.present").Warnf(ctx, "%s: attach viewer: %v", s.Target, err)
		b.setState(ctx, s, types.SessionRunningHidden)
		return err
	}
	s.Viewer = v
	b.setState(ctx, s, types.SessionRunningVisible)
	return nil
}

func (b *Bridge) hide(ctx context.Context, s *Session, ev types.Event) types.AckRecord {
	logger := log.WithFunc("bridge.hide")
	if s.debounced(ev, b.conf.Timing.Debounce) {
		return types.Err(ev, ReasonDebounced)
	}
	b.observe(ctx, s)

	if s.State != types.SessionRunningVisible && s.State != types.SessionPresenting {
		return types.Err(ev, ReasonNotVisible)
	}
	if s.Viewer != nil {
		if err := b.Presenter.Detach(ctx, s.Viewer); err != nil {
			logger.Warnf(ctx, "%s: detach viewer: %v", s.Target, err)
		}
		s.Viewer = nil
		b.setState(ctx, s, types.SessionRunningHidden)
		return types.OK(ev, DetailHidden)
	}
	if s.Visible {
		// The window belongs to the VMM itself; hiding it means stopping it.
		if err := b.stop(ctx, s); err != nil {
			logger.Warnf(ctx, "%s: stop visible VM: %v", s.Target, err)
			return types.Err(ev, ReasonStopFailed)
		}
		return types.OK(ev, DetailStopped)
	}
	b.setState(ctx, s, types.SessionRunningHidden)
	return types.OK(ev, DetailHidden)
}

func (b *Bridge) shutdown(ctx context.Context, s *Session, ev types.Event) types.AckRecord {
	b.observe(ctx, s)
	if !s.State.Running() {
		return types.Err(ev, ReasonNotRunning)
	}
	if err := b.stop(ctx, s); err != nil {
		log.WithFunc("bridge.shutdown").Warnf(ctx, "%s: %v", s.Target, err)
		return types.Err(ev, ReasonStopFailed)
	}
	return types.OK(ev, DetailStopped)
}

// launch starts the VMM for s under the launch lock. On any failure the
// session is back in stopped and the lock is released.
func (b *Bridge) launch(ctx context.Context, s *Session, visible bool) (err error) {
	logger := log.WithFunc("bridge.launch")
	if s.Process != nil && s.alive() {
		return &launchError{reason: ReasonAlreadyRunning, err: fmt.Errorf("pid %d still running", s.Process.PID)}
	}
	if err := b.throttle(s); err != nil {
		return err
	}
	if err := b.Locks.Acquire(ctx, s.Target); err != nil {
		if errors.Is(err, launch.ErrInProgress) {
			return &launchError{reason: ReasonLaunchInProgress, err: err}
		}
		return &launchError{reason: ReasonInternal, err: err}
	}
	defer func() {
		if rerr := b.Locks.Release(context.WithoutCancel(ctx), s.Target); rerr != nil {
			logger.Warnf(ctx, "%s: release launch lock: %v", s.Target, rerr)
		}
	}()

	now := b.now()
	s.LastLaunchAt = now
	b.setState(ctx, s, types.SessionStarting)
	defer func() {
		if err != nil {
			b.teardown(context.WithoutCancel(ctx), s)
		}
	}()

	spec, err := b.diskSpec(s)
	if err != nil {
		return &launchError{reason: ReasonLaunchFailed, err: err}
	}
	res, err := b.Disks.Ensure(ctx, spec)
	if err != nil {
		return &launchError{reason: ReasonLaunchFailed, err: fmt.Errorf("provision disk: %w", err)}
	}
	s.DiskPath, s.DiskFormat = res.Path, res.Format
	// A fresh disk needs the network for first-boot provisioning.
	s.NetworkEnabled = s.profile.Network || res.Status.Fresh()

	if err := b.conf.EnsureTargetDirs(s.Target); err != nil {
		return &launchError{reason: ReasonLaunchFailed, err: err}
	}
	prof, err := b.hypervisorProfile(s, visible)
	if err != nil {
		return &launchError{reason: ReasonLaunchFailed, err: err}
	}
	if s.profile.ResumeTag != "" && !res.Status.Fresh() {
		ok, serr := b.Disks.HasSnapshot(ctx, spec, s.profile.ResumeTag)
		if serr != nil {
			logger.Warnf(ctx, "%s: list snapshots: %v", s.Target, serr)
		}
		if ok {
			prof.ResumeTag = s.profile.ResumeTag
		}
	}

	proc, err := b.Launcher.Launch(ctx, prof)
	if err != nil {
		return &launchError{reason: ReasonLaunchFailed, err: err}
	}
	s.Process = proc
	s.Visible = visible
	s.StartedAt = b.now()
	if visible {
		b.setState(ctx, s, types.SessionRunningVisible)
	} else {
		b.setState(ctx, s, types.SessionRunningHidden)
	}
	logger.Infof(ctx, "%s: VMM pid %d up (visible=%t, disk %s %s)", s.Target, proc.PID, visible, res.Status, res.Path)
	return nil
}

// throttle counts launches that follow each other within the launch window
// and refuses once the count passes the limit. The count restarts after a
// quiet window.
func (b *Bridge) throttle(s *Session) error {
	window := b.conf.Timing.LaunchWindow
	count := 1
	if !s.LastLaunchAt.IsZero() && window > 0 && b.now().Sub(s.LastLaunchAt) < window {
		count = s.LaunchCount + 1
	}
	if limit := b.conf.Timing.MaxConsecutiveLaunches; limit > 0 && count > limit {
		return &launchError{reason: ReasonLaunchThrottled, err: fmt.Errorf("%d launches within %s", s.LaunchCount, window)}
	}
	s.LaunchCount = count
	return nil
}

// stop shuts the VMM down gracefully, falling back to signals, and clears
// the session. Ephemeral disks are removed.
func (b *Bridge) stop(ctx context.Context, s *Session) error {
	logger := log.WithFunc("bridge.stop")
	timing := b.conf.Timing
	b.setState(ctx, s, types.SessionStopping)

	if s.Viewer != nil {
		if err := b.Presenter.Detach(ctx, s.Viewer); err != nil {
			logger.Warnf(ctx, "%s: detach viewer: %v", s.Target, err)
		}
		s.Viewer = nil
	}

	if proc := s.Process; proc.Alive() {
		if err := b.requestPowerOff(ctx, s); err != nil {
			logger.Warnf(ctx, "%s: graceful stop: %v, terminating", s.Target, err)
		} else if err := proc.Wait(ctx, timing.StopTimeout); err != nil {
			logger.Warnf(ctx, "%s: VMM did not exit within %s, terminating", s.Target, timing.StopTimeout)
		}
		if err := proc.Terminate(context.WithoutCancel(ctx), timing.TerminateGrace); err != nil {
			b.settle(ctx, s)
			return fmt.Errorf("terminate pid %d: %w", proc.PID, err)
		}
	}
	b.teardown(ctx, s)
	return nil
}

// requestPowerOff saves state and quits when the profile resumes from a
// snapshot, otherwise presses the ACPI power button.
func (b *Bridge) requestPowerOff(ctx context.Context, s *Session) error {
	socket := s.Process.SocketPath
	if s.profile.SaveOnShutdown && s.profile.ResumeTag != "" && s.DiskFormat.Snapshots() {
		if err := b.Control.SaveState(ctx, socket, s.profile.ResumeTag); err != nil {
			return fmt.Errorf("savevm %s: %w", s.profile.ResumeTag, err)
		}
		return b.Control.Quit(ctx, socket)
	}
	return b.Control.PowerDown(ctx, socket)
}

// teardown drops every runtime resource of s and marks it stopped.
func (b *Bridge) teardown(ctx context.Context, s *Session) {
	logger := log.WithFunc("bridge.teardown")
	if s.Viewer != nil {
		if err := b.Presenter.Detach(ctx, s.Viewer); err != nil {
			logger.Warnf(ctx, "%s: detach viewer: %v", s.Target, err)
		}
		s.Viewer = nil
	}
	if s.Process != nil {
		if s.Process.SocketPath != "" {
			_ = os.Remove(s.Process.SocketPath)
		}
		s.Process = nil
	}
	_ = utils.RemoveIfExists(b.conf.PIDFile(s.Target))
	if !s.Persistent && s.DiskPath != "" {
		if err := b.Disks.Remove(s.DiskPath); err != nil {
			logger.Warnf(ctx, "%s: remove ephemeral disk: %v", s.Target, err)
		}
		s.DiskPath = ""
	}
	s.Visible = false
	s.StoppedAt = b.now()
	b.setState(ctx, s, types.SessionStopped)
}

func (b *Bridge) diskSpec(s *Session) (disk.Spec, error) {
	size, err := units.RAMInBytes(s.profile.DiskSize)
	if err != nil {
		return disk.Spec{}, fmt.Errorf("disk size %q: %w", s.profile.DiskSize, err)
	}
	format := types.DiskFormat(s.profile.DiskFormat)
	return disk.Spec{
		Target: s.Target,
		Path:   b.conf.DiskPath(s.Target, format, s.profile.Persistent),
		Format: format,
		Size:   size,
	}, nil
}

func (b *Bridge) hypervisorProfile(s *Session, visible bool) (*hypervisor.Profile, error) {
	p := s.profile
	mem, err := units.RAMInBytes(p.Memory)
	if err != nil {
		return nil, fmt.Errorf("memory %q: %w", p.Memory, err)
	}
	return &hypervisor.Profile{
		Target:         s.Target,
		Machine:        p.Machine,
		MemoryBytes:    mem,
		CPUs:           p.CPUs,
		Visible:        visible,
		VisibleDisplay: b.conf.VisibleDisplay,
		VNCDisplay:     p.VNCDisplay,
		Network:        s.NetworkEnabled,
		DiskPath:       s.DiskPath,
		DiskFormat:     s.DiskFormat,
		Kernel:         p.Kernel,
		Initrd:         p.Initrd,
		Append:         p.Append,
		CDROM:          p.CDROM,
		MonitorSocket:  b.conf.MonitorSocket(s.Target),
		PIDFile:        b.conf.PIDFile(s.Target),
		ProcessLog:     b.conf.QEMULog(s.Target),
		SerialLog:      b.conf.GuestSerialLog(s.Target),
		ExtraArgs:      p.ExtraArgs,
	}, nil
}
