package types

import "strings"

// Target names a guest VM the bridge can manage.
// Stored lower-case; the wire form is upper-case.
type Target string

const (
	TargetLinux   Target = "linux"
	TargetWindows Target = "windows"
)

// ParseTarget normalizes a wire or CLI spelling into a Target.
func ParseTarget(s string) Target {
	return Target(strings.ToLower(strings.TrimSpace(s)))
}

// Wire returns the upper-case spelling used in event and ack lines.
func (t Target) Wire() string {
	return strings.ToUpper(string(t))
}

func (t Target) String() string { return string(t) }
