package bridge

import (
	"context"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmbridge/hypervisor"
	"github.com/projecteru2/vmbridge/types"
	"github.com/projecteru2/vmbridge/utils"
)

// Reconcile rebuilds sessions from the sessions DB after a restart. A VMM
// that is still alive is adopted as running hidden; a viewer left by the
// previous bridge is closed since nothing owns it any more. Dead sessions are
// cleaned up and marked stopped.
func (b *Bridge) Reconcile(ctx context.Context) error {
	var saved map[string]types.SessionRecord
	if err := b.store.With(ctx, func(idx *types.SessionIndex) error {
		saved = make(map[string]types.SessionRecord, len(idx.Sessions))
		for k, v := range idx.Sessions {
			if v != nil {
				saved[k] = *v
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	return b.forEach(ctx, "Reconcile", func(ctx context.Context, s *Session) error {
		rec, ok := saved[string(s.Target)]
		s.mu.Lock()
		defer s.mu.Unlock()
		if !ok {
			b.persist(ctx, s)
			return nil
		}
		b.adopt(ctx, s, rec)
		return nil
	})
}

func (b *Bridge) adopt(ctx context.Context, s *Session, rec types.SessionRecord) {
	logger := log.WithFunc("bridge.adopt")

	s.DiskPath = rec.DiskPath
	if rec.DiskFormat != "" {
		s.DiskFormat = rec.DiskFormat
	}
	s.Persistent = rec.Persistent
	s.NetworkEnabled = rec.NetworkEnabled
	s.LaunchCount = rec.LaunchCount
	if rec.LastLaunchAt != nil {
		s.LastLaunchAt = *rec.LastLaunchAt
	}
	if rec.StartedAt != nil {
		s.StartedAt = *rec.StartedAt
	}
	if rec.StoppedAt != nil {
		s.StoppedAt = *rec.StoppedAt
	}

	if rec.ViewerPID > 0 {
		if v := b.Presenter.Adopt(rec.ViewerPID, rec.ViewerName, rec.DisplayEndpoint); v != nil {
			if err := b.Presenter.Detach(ctx, v); err != nil {
				logger.Warnf(ctx, "%s: close stale viewer %d: %v", s.Target, rec.ViewerPID, err)
			}
		}
	}

	pid, socket, endpoint := rec.PID, rec.SocketPath, rec.DisplayEndpoint
	if pid <= 0 && rec.State != types.SessionStopped {
		// A launch cut short before its record was written leaves only the pidfile.
		if p, err := utils.ReadPIDFile(b.conf.PIDFile(s.Target)); err == nil {
			pid, socket = p, b.conf.MonitorSocket(s.Target)
			endpoint = hypervisor.VNCEndpoint(s.profile.VNCDisplay)
		}
	}
	if pid > 0 {
		if proc := b.Launcher.Adopt(pid, socket, endpoint); proc != nil {
			s.Process = proc
			s.Visible = rec.Visible
			state := types.SessionRunningHidden
			if rec.Visible {
				state = types.SessionRunningVisible
			}
			logger.Infof(ctx, "%s: adopted VMM pid %d as %s", s.Target, proc.PID, state)
			b.setState(ctx, s, state)
			return
		}
		logger.Infof(ctx, "%s: VMM pid %d from previous run is gone", s.Target, pid)
	}

	if socket != "" {
		_ = os.Remove(socket)
	}
	if rec.State != types.SessionStopped {
		s.Visible = rec.Visible
		b.teardown(ctx, s)
		return
	}
	_ = utils.RemoveIfExists(b.conf.PIDFile(s.Target))
	b.persist(ctx, s)
}

// Prewarm launches every stopped prewarm profile hidden, so a later Show only
// has to attach a viewer.
func (b *Bridge) Prewarm(ctx context.Context) {
	logger := log.WithFunc("bridge.Prewarm")
	_ = b.forEach(ctx, "Prewarm", func(ctx context.Context, s *Session) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.profile.Prewarm || s.State != types.SessionStopped {
			return nil
		}
		logger.Infof(ctx, "%s: prewarming hidden instance", s.Target)
		return b.launch(ctx, s, false)
	})
}

// StopAll stops every running session concurrently.
func (b *Bridge) StopAll(ctx context.Context) error {
	return b.forEach(ctx, "StopAll", func(ctx context.Context, s *Session) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.Process == nil && !s.State.Running() {
			return nil
		}
		return b.stop(ctx, s)
	})
}
