package hypervisor

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/projecteru2/vmbridge/types"
)

// VNCHost is the only address VNC servers listen on.
const VNCHost = "127.0.0.1"

// VNCEndpoint returns the host:port of VNC display n.
func VNCEndpoint(display int) string {
	return net.JoinHostPort(VNCHost, strconv.Itoa(5900+display)) //nolint:mnd
}

var (
	// ErrSocketTimeout is returned when the control socket never became connectable.
	ErrSocketTimeout = errors.New("control socket not ready")
	// ErrExited is returned when the VMM process exited during launch.
	ErrExited = errors.New("VMM exited during launch")
)

// Profile is the declarative description of one VM launch.
type Profile struct {
	Target      types.Target
	Machine     string
	MemoryBytes int64
	CPUs        int

	// Visible selects a local display window; otherwise the VM runs headless
	// and is reachable only through its VNC endpoint.
	Visible        bool
	VisibleDisplay string // QEMU -display backend for visible launches
	VNCDisplay     int    // VNC display number on loopback, port 5900+N

	Network bool

	DiskPath   string
	DiskFormat types.DiskFormat
	// ResumeTag loads an internal snapshot at boot. Ignored for formats
	// without snapshot support.
	ResumeTag string

	Kernel string
	Initrd string
	Append string
	CDROM  string

	MonitorSocket string
	PIDFile       string
	ProcessLog    string
	SerialLog     string

	ExtraArgs []string
}

// Launcher starts VMM processes from profiles.
type Launcher interface {
	// Launch spawns the VMM and waits for its control socket. On any failure
	// the spawned process has already been terminated.
	Launch(ctx context.Context, p *Profile) (*Process, error)
	// Command returns the argv Launch would execute.
	Command(p *Profile) []string
	// Adopt wraps a VMM started by an earlier bridge run. It returns nil when
	// pid is not a live VMM process.
	Adopt(pid int, socket, endpoint string) *Process
}
