// Package version carries build metadata injected via -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version  = "dev"
	Revision = "unknown"
	Built    = "unknown"
)

// String renders the version block printed by "vmbridge version".
func String() string {
	return fmt.Sprintf("vmbridge %s\n  revision: %s\n  built:    %s\n  go:       %s %s/%s\n",
		Version, Revision, Built, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
