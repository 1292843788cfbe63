package config

import (
	"fmt"
	"runtime"
	"slices"
	"time"

	units "github.com/docker/go-units"
	coretypes "github.com/projecteru2/core/types"

	"github.com/projecteru2/vmbridge/types"
)

// Config holds global bridge configuration.
type Config struct {
	// RootDir is the base directory for persistent data (DB files, persistent disks).
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// RunDir holds runtime state: monitor sockets, ephemeral disks, launch markers.
	RunDir string `json:"run_dir" mapstructure:"run_dir"`
	// LogDir holds per-target VMM and viewer logs.
	LogDir string `json:"log_dir" mapstructure:"log_dir"`

	// EventLog is the guest serial log the bridge tails for requests.
	EventLog string `json:"event_log" mapstructure:"event_log"`
	// AckLog receives acknowledgment lines. Defaults to EventLog.
	AckLog string `json:"ack_log" mapstructure:"ack_log"`

	Protocol ProtocolConfig `json:"protocol" mapstructure:"protocol"`
	Timing   TimingConfig   `json:"timing" mapstructure:"timing"`
	Tools    ToolsConfig    `json:"tools" mapstructure:"tools"`
	Relay    RelayConfig    `json:"relay" mapstructure:"relay"`

	// Viewers are tried in order; the first one found on PATH is used.
	Viewers []ViewerConfig `json:"viewers" mapstructure:"viewers"`
	// VisibleDisplay is the QEMU -display backend for directly visible launches.
	VisibleDisplay string `json:"visible_display" mapstructure:"visible_display"`

	// Profiles maps a target name to its guest profile.
	Profiles map[string]*ProfileConfig `json:"profiles" mapstructure:"profiles"`

	// PoolSize bounds concurrent stop/reconcile work.
	// Defaults to runtime.NumCPU() if zero.
	PoolSize int `json:"pool_size" mapstructure:"pool_size"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// ProtocolConfig controls the event and ack line grammar.
type ProtocolConfig struct {
	EventPrefix  string `json:"event_prefix" mapstructure:"event_prefix"`
	LegacyPrefix string `json:"legacy_prefix" mapstructure:"legacy_prefix"`
	AckPrefix    string `json:"ack_prefix" mapstructure:"ack_prefix"`
	MaxLineBytes int    `json:"max_line_bytes" mapstructure:"max_line_bytes"`
	MaxTextLen   int    `json:"max_text_len" mapstructure:"max_text_len"`
}

// TimingConfig bounds every suspension point of the bridge.
type TimingConfig struct {
	PollInterval           time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	Debounce               time.Duration `json:"debounce" mapstructure:"debounce"`
	LaunchWindow           time.Duration `json:"launch_window" mapstructure:"launch_window"`
	MaxConsecutiveLaunches int           `json:"max_consecutive_launches" mapstructure:"max_consecutive_launches"`
	LockStaleAfter         time.Duration `json:"lock_stale_after" mapstructure:"lock_stale_after"`
	SocketWait             time.Duration `json:"socket_wait" mapstructure:"socket_wait"`
	StopTimeout            time.Duration `json:"stop_timeout" mapstructure:"stop_timeout"`
	TerminateGrace         time.Duration `json:"terminate_grace" mapstructure:"terminate_grace"`
	ControlDial            time.Duration `json:"control_dial" mapstructure:"control_dial"`
	ControlTimeout         time.Duration `json:"control_timeout" mapstructure:"control_timeout"`
	ControlRetries         int           `json:"control_retries" mapstructure:"control_retries"`
	ViewerWait             time.Duration `json:"viewer_wait" mapstructure:"viewer_wait"`
	DiskCheckTimeout       time.Duration `json:"disk_check_timeout" mapstructure:"disk_check_timeout"`
}

// ToolsConfig names the host binaries the bridge shells out to.
type ToolsConfig struct {
	QEMU    string `json:"qemu" mapstructure:"qemu"`
	QEMUImg string `json:"qemu_img" mapstructure:"qemu_img"`
	Mkfs    string `json:"mkfs" mapstructure:"mkfs"`
	Fsck    string `json:"fsck" mapstructure:"fsck"`
}

// RelayConfig enables best-effort delivery of short acks back into the
// requesting VM through its monitor.
type RelayConfig struct {
	Socket  string `json:"socket" mapstructure:"socket"`
	Chardev string `json:"chardev" mapstructure:"chardev"`
}

// Enabled reports whether ack relay is configured.
func (r RelayConfig) Enabled() bool { return r.Socket != "" && r.Chardev != "" }

// ViewerConfig is one candidate remote display viewer.
// Args are text/template strings over {Host, Port, Display}.
type ViewerConfig struct {
	Name string   `json:"name" mapstructure:"name"`
	Args []string `json:"args" mapstructure:"args"`
}

// ProfileConfig is the declarative guest profile for one target.
type ProfileConfig struct {
	Machine    string `json:"machine" mapstructure:"machine"`
	Memory     string `json:"memory" mapstructure:"memory"` // go-units size, e.g. "2G"
	CPUs       int    `json:"cpus" mapstructure:"cpus"`
	DiskSize   string `json:"disk_size" mapstructure:"disk_size"`
	DiskFormat string `json:"disk_format" mapstructure:"disk_format"`
	// Persistent disks survive shutdown; ephemeral ones are removed on stop.
	Persistent bool `json:"persistent" mapstructure:"persistent"`
	// Network enables user-mode networking. A freshly created disk forces it on
	// for that launch so first-boot provisioning can reach the network.
	Network bool `json:"network" mapstructure:"network"`
	// ResumeTag is the qcow2 internal snapshot loaded at launch and saved on shutdown.
	ResumeTag      string `json:"resume_tag" mapstructure:"resume_tag"`
	SaveOnShutdown bool   `json:"save_on_shutdown" mapstructure:"save_on_shutdown"`

	Kernel string `json:"kernel" mapstructure:"kernel"`
	Initrd string `json:"initrd" mapstructure:"initrd"`
	Append string `json:"append" mapstructure:"append"`
	CDROM  string `json:"cdrom" mapstructure:"cdrom"`

	// VNCDisplay is the VNC display number (port 5900+N) on loopback.
	VNCDisplay int `json:"vnc_display" mapstructure:"vnc_display"`
	// Prewarm launches the VM hidden when the bridge starts.
	Prewarm   bool     `json:"prewarm" mapstructure:"prewarm"`
	ExtraArgs []string `json:"extra_args" mapstructure:"extra_args"`
}

// Sizes given to profiles that leave them out.
const (
	defaultMemory   = "1G"
	defaultDiskSize = "8G"
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:  "/var/lib/vmbridge",
		RunDir:   "/var/run/vmbridge",
		LogDir:   "/var/log/vmbridge",
		EventLog: "/var/log/vmbridge/serial.log",
		Protocol: ProtocolConfig{
			EventPrefix:  "RAYOS_HOST_EVENT_V0",
			LegacyPrefix: "RAYOS_HOST_EVENT",
			AckPrefix:    "RAYOS_HOST_ACK",
			MaxLineBytes: 4096, //nolint:mnd
			MaxTextLen:   256,  //nolint:mnd
		},
		Timing: TimingConfig{
			PollInterval:           100 * time.Millisecond, //nolint:mnd
			Debounce:               750 * time.Millisecond, //nolint:mnd
			LaunchWindow:           30 * time.Second,       //nolint:mnd
			MaxConsecutiveLaunches: 5,                      //nolint:mnd
			LockStaleAfter:         2 * time.Minute,        //nolint:mnd
			SocketWait:             10 * time.Second,       //nolint:mnd
			StopTimeout:            30 * time.Second,       //nolint:mnd
			TerminateGrace:         5 * time.Second,        //nolint:mnd
			ControlDial:            time.Second,
			ControlTimeout:         2 * time.Second,  //nolint:mnd
			ControlRetries:         3,                //nolint:mnd
			ViewerWait:             10 * time.Second, //nolint:mnd
			DiskCheckTimeout:       5 * time.Minute,  //nolint:mnd
		},
		Tools: ToolsConfig{
			QEMU:    "qemu-system-x86_64",
			QEMUImg: "qemu-img",
			Mkfs:    "mkfs.ext4",
			Fsck:    "e2fsck",
		},
		Viewers: []ViewerConfig{
			{Name: "remote-viewer", Args: []string{"vnc://{{.Host}}:{{.Port}}"}},
			{Name: "vncviewer", Args: []string{"{{.Host}}::{{.Port}}"}},
			{Name: "gvncviewer", Args: []string{"{{.Host}}:{{.Display}}"}},
		},
		VisibleDisplay: "gtk",
		Profiles: map[string]*ProfileConfig{
			string(types.TargetLinux): {
				Machine:    "q35",
				Memory:     "1G",
				CPUs:       2, //nolint:mnd
				DiskSize:   "8G",
				DiskFormat: string(types.DiskRaw),
				Persistent: true,
				VNCDisplay: 1,
			},
			string(types.TargetWindows): {
				Machine:        "q35",
				Memory:         "4G",
				CPUs:           4, //nolint:mnd
				DiskSize:       "64G",
				DiskFormat:     string(types.DiskQCOW2),
				Persistent:     true,
				ResumeTag:      "vmbridge-resume",
				SaveOnShutdown: true,
				VNCDisplay:     2, //nolint:mnd
			},
		},
		PoolSize: runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500, //nolint:mnd
			MaxAge:     28,  //nolint:mnd
			MaxBackups: 3,   //nolint:mnd
		},
	}
}

// Normalize fills zero values left by a partial config file and validates profiles.
func (c *Config) Normalize() error {
	def := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
	// Unset persistent flags reach here as empty strings.
	if c.RootDir == "" {
		c.RootDir = def.RootDir
	}
	if c.RunDir == "" {
		c.RunDir = def.RunDir
	}
	if c.LogDir == "" {
		c.LogDir = def.LogDir
	}
	if c.EventLog == "" {
		c.EventLog = def.EventLog
	}
	if c.AckLog == "" {
		c.AckLog = c.EventLog
	}
	if c.Protocol.MaxLineBytes <= 0 {
		c.Protocol.MaxLineBytes = def.Protocol.MaxLineBytes
	}
	if c.Protocol.MaxTextLen <= 0 {
		c.Protocol.MaxTextLen = def.Protocol.MaxTextLen
	}
	if c.Timing.PollInterval <= 0 {
		c.Timing.PollInterval = def.Timing.PollInterval
	}
	if c.Timing.StopTimeout <= 0 {
		c.Timing.StopTimeout = def.Timing.StopTimeout
	}
	if c.Timing.SocketWait <= 0 {
		c.Timing.SocketWait = def.Timing.SocketWait
	}
	if c.Timing.ControlTimeout <= 0 {
		c.Timing.ControlTimeout = def.Timing.ControlTimeout
	}
	if c.Timing.ControlDial <= 0 {
		c.Timing.ControlDial = def.Timing.ControlDial
	}
	if c.Timing.TerminateGrace <= 0 {
		c.Timing.TerminateGrace = def.Timing.TerminateGrace
	}
	if c.Timing.MaxConsecutiveLaunches <= 0 {
		c.Timing.MaxConsecutiveLaunches = def.Timing.MaxConsecutiveLaunches
	}
	for _, d := range []struct{ v, def *time.Duration }{
		{&c.Timing.Debounce, &def.Timing.Debounce},
		{&c.Timing.LaunchWindow, &def.Timing.LaunchWindow},
		{&c.Timing.LockStaleAfter, &def.Timing.LockStaleAfter},
		{&c.Timing.ViewerWait, &def.Timing.ViewerWait},
		{&c.Timing.DiskCheckTimeout, &def.Timing.DiskCheckTimeout},
	} {
		if *d.v <= 0 {
			*d.v = *d.def
		}
	}
	for name, p := range c.Profiles {
		if p == nil {
			return fmt.Errorf("profile %q is empty", name)
		}
		switch types.DiskFormat(p.DiskFormat) {
		case types.DiskRaw, types.DiskQCOW2:
		case "":
			p.DiskFormat = string(types.DiskRaw)
		default:
			return fmt.Errorf("profile %q: unsupported disk format %q", name, p.DiskFormat)
		}
		if p.Machine == "" {
			p.Machine = "q35"
		}
		if p.CPUs <= 0 {
			p.CPUs = 1
		}
		if p.Memory == "" {
			p.Memory = defaultMemory
		}
		if p.DiskSize == "" {
			p.DiskSize = defaultDiskSize
		}
		for field, v := range map[string]string{"memory": p.Memory, "disk_size": p.DiskSize} {
			if n, err := units.RAMInBytes(v); err != nil || n <= 0 {
				return fmt.Errorf("profile %q: invalid %s %q", name, field, v)
			}
		}
	}
	return nil
}

// Profile returns the profile configured for target.
func (c *Config) Profile(target types.Target) (*ProfileConfig, bool) {
	p, ok := c.Profiles[string(target)]
	return p, ok && p != nil
}

// Targets returns the configured target names, sorted.
func (c *Config) Targets() []types.Target {
	out := make([]types.Target, 0, len(c.Profiles))
	for name := range c.Profiles {
		out = append(out, types.Target(name))
	}
	slices.Sort(out)
	return out
}
