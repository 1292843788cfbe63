package types

import "time"

// SessionState is the lifecycle state of a VM session from the bridge's perspective.
type SessionState string

const (
	SessionStopped        SessionState = "stopped"         // no VMM process
	SessionStarting       SessionState = "starting"        // disk provisioning / VMM launch in flight
	SessionRunningHidden  SessionState = "running_hidden"  // VMM alive, no viewer attached
	SessionPresenting     SessionState = "presenting"      // viewer being attached
	SessionRunningVisible SessionState = "running_visible" // VMM alive and shown to the user
	SessionStopping       SessionState = "stopping"        // graceful shutdown in flight
)

// Running reports whether a live VMM process is expected in this state.
func (s SessionState) Running() bool {
	switch s {
	case SessionRunningHidden, SessionPresenting, SessionRunningVisible:
		return true
	}
	return false
}

// SessionRecord is the persisted snapshot of one target's session.
type SessionRecord struct {
	Target Target       `json:"target"`
	State  SessionState `json:"state"`

	// Runtime, populated only while State.Running().
	PID             int    `json:"pid,omitempty"`
	SocketPath      string `json:"socket_path,omitempty"`
	DisplayEndpoint string `json:"display_endpoint,omitempty"`
	ViewerPID       int    `json:"viewer_pid,omitempty"`
	ViewerName      string `json:"viewer_name,omitempty"`
	Visible         bool   `json:"visible,omitempty"` // launched with a local display

	DiskPath       string     `json:"disk_path,omitempty"`
	DiskFormat     DiskFormat `json:"disk_format,omitempty"`
	Persistent     bool       `json:"persistent"`
	NetworkEnabled bool       `json:"network_enabled"`

	LaunchCount  int        `json:"launch_count"`
	LastLaunchAt *time.Time `json:"last_launch_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// SessionIndex is the top-level structure of the sessions DB file.
type SessionIndex struct {
	Sessions map[string]*SessionRecord `json:"sessions"`
}

// Init implements storage.Initer.
func (idx *SessionIndex) Init() {
	if idx.Sessions == nil {
		idx.Sessions = make(map[string]*SessionRecord)
	}
}
