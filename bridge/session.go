package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmbridge/config"
	"github.com/projecteru2/vmbridge/hypervisor"
	"github.com/projecteru2/vmbridge/presenter"
	"github.com/projecteru2/vmbridge/types"
)

// Reasons carried in err acknowledgments. Requesters match on these.
const (
	ReasonDebounced          = "debounced"
	ReasonLaunchInProgress   = "launch_in_progress"
	ReasonLaunchFailed       = "launch_failed"
	ReasonLaunchThrottled    = "launch_throttled"
	ReasonAlreadyRunning     = "already_running"
	ReasonNotRunning         = "not_running"
	ReasonNotVisible         = "not_visible"
	ReasonUnknownTarget      = "unknown_target"
	ReasonControlTimeout     = "control_timeout"
	ReasonControlUnreachable = "control_unreachable"
	ReasonControlRejected    = "control_rejected"
	ReasonStopFailed         = "stop_failed"
	ReasonShuttingDown       = "shutting_down"
	ReasonInternal           = "internal"
)

// Details carried in ok acknowledgments.
const (
	DetailLaunching         = "launching"
	DetailPresented         = "presented"
	DetailRelaunchedVisible = "relaunched_visible"
	DetailHidden            = "hidden"
	DetailStopped           = "stopped"
	DetailSent              = "sent"
)

// Session is the live state of one target. All fields are guarded by mu,
// which the target's lane holds for the whole handling of an event.
type Session struct {
	mu sync.Mutex

	Target  types.Target
	profile *config.ProfileConfig

	State   types.SessionState
	Process *hypervisor.Process
	Viewer  *presenter.Viewer
	// Visible is set when the VM was launched with a local display window
	// rather than presented through a viewer.
	Visible bool

	DiskPath       string
	DiskFormat     types.DiskFormat
	Persistent     bool
	NetworkEnabled bool

	LastLaunchAt time.Time
	LaunchCount  int // consecutive launches inside the launch window
	StartedAt    time.Time
	StoppedAt    time.Time

	// accepted holds when the last Show or Hide was let through, for debounce.
	accepted map[types.EventKind]time.Time
}

func newSession(t types.Target, prof *config.ProfileConfig) *Session {
	return &Session{
		Target:     t,
		profile:    prof,
		State:      types.SessionStopped,
		DiskFormat: types.DiskFormat(prof.DiskFormat),
		Persistent: prof.Persistent,
		accepted:   make(map[types.EventKind]time.Time),
	}
}

// debounced reports whether ev repeats an accepted Show/Hide too soon, and
// records ev as accepted otherwise.
func (s *Session) debounced(ev types.Event, window time.Duration) bool {
	last, ok := s.accepted[ev.Kind]
	if ok && window > 0 && ev.ReceivedAt.Sub(last) < window {
		return true
	}
	s.accepted[ev.Kind] = ev.ReceivedAt
	return false
}

// alive reports whether the session's VMM is still running.
func (s *Session) alive() bool { return s.Process.Alive() }

func (s *Session) record(now time.Time) types.SessionRecord {
	rec := types.SessionRecord{
		Target:         s.Target,
		State:          s.State,
		Visible:        s.Visible,
		DiskPath:       s.DiskPath,
		DiskFormat:     s.DiskFormat,
		Persistent:     s.Persistent,
		NetworkEnabled: s.NetworkEnabled,
		LaunchCount:    s.LaunchCount,
		LastLaunchAt:   timePtr(s.LastLaunchAt),
		StartedAt:      timePtr(s.StartedAt),
		StoppedAt:      timePtr(s.StoppedAt),
		UpdatedAt:      now,
	}
	if s.Process != nil {
		rec.PID = s.Process.PID
		rec.SocketPath = s.Process.SocketPath
		rec.DisplayEndpoint = s.Process.DisplayEndpoint
	}
	if s.Viewer != nil {
		rec.ViewerPID = s.Viewer.PID
		rec.ViewerName = s.Viewer.Name
	}
	return rec
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// setState moves s to state and persists the session.
func (b *Bridge) setState(ctx context.Context, s *Session, state types.SessionState) {
	if s.State != state {
		log.WithFunc("bridge.setState").Infof(ctx, "%s: %s -> %s", s.Target, s.State, state)
	}
	s.State = state
	b.persist(ctx, s)
}

// persist writes the session snapshot to the sessions DB. The DB serves the
// status command and crash recovery; failures are logged only.
func (b *Bridge) persist(ctx context.Context, s *Session) {
	rec := s.record(b.now())
	if err := b.store.Update(ctx, func(idx *types.SessionIndex) error {
		idx.Sessions[string(s.Target)] = &rec
		return nil
	}); err != nil {
		log.WithFunc("bridge.persist").Warnf(ctx, "persist %s session: %v", s.Target, err)
	}
}

// observe detects a VMM that died since last use and tears the session down.
// Process exit is never watched proactively; it is noticed here.
func (b *Bridge) observe(ctx context.Context, s *Session) {
	if s.Process == nil || s.alive() {
		return
	}
	log.WithFunc("bridge.observe").Warnf(ctx, "%s: VMM pid %d exited unexpectedly", s.Target, s.Process.PID)
	b.teardown(ctx, s)
}

// settle restores a consistent state after a handler panicked mid-transition.
func (b *Bridge) settle(ctx context.Context, s *Session) {
	switch {
	case s.Process == nil || !s.alive():
		b.teardown(ctx, s)
	case s.Viewer != nil && s.Viewer.Alive(), s.Visible:
		b.setState(ctx, s, types.SessionRunningVisible)
	default:
		s.Viewer = nil
		b.setState(ctx, s, types.SessionRunningHidden)
	}
}
