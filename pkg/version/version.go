// Package version provides build version information.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version (set by build flags)
	Version = "dev"

	// GitCommit is the git commit hash (set by build flags)
	GitCommit = "unknown"

	// BuildDate is the build timestamp (set by build flags)
	BuildDate = "unknown"

	// GoVersion is the Go version used to build
	GoVersion = runtime.Version()
)

// Platform is the OS/architecture the binary was built for. The targets a
// build can inject into are independent of it.
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// String returns a one-line summary, e.g. "dlinject dev (unknown, linux/arm64)".
func String() string {
	return fmt.Sprintf("dlinject %s (%s, %s)", Version, GitCommit, Platform())
}
