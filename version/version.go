package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the build version, overridden at link time by the release
	// tooling.
	Version = "0.1.0-dev"

	// GitCommit is the commit the binary was built from.
	GitCommit = "unknown"
)

// FullVersion returns the version string printed by the version subcommand.
func FullVersion() string {
	return fmt.Sprintf("%s (commit %s, %s)", Version, GitCommit, runtime.Version())
}

// PrintVersion writes the full version to standard output.
func PrintVersion() {
	fmt.Println(FullVersion())
}
