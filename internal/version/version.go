package version

import (
	"fmt"
	"runtime"
)

// Set by ldflags during build
var (
	Version = "dev"
	Commit  = "unknown"
)

// GetVersion returns the current agent version
func GetVersion() string {
	return Version
}

// String is the long form printed by the CLI.
func String() string {
	return fmt.Sprintf("orban-agent %s (commit %s, %s %s/%s)", Version, Commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
