package querysync

import (
	"fmt"
	"runtime"
)

var (
	// Version is the library version; override with -ldflags "-X".
	Version = "0.3.0"
	// GitCommit is the source revision, injected at build time.
	GitCommit = "unknown"
	// BuildDate is injected at build time.
	BuildDate = "unknown"
	GoVersion = runtime.Version()
)

// GetVersion returns a one-line version banner.
func GetVersion() string {
	return fmt.Sprintf("querysync %s (commit %s, built %s, %s)", Version, GitCommit, BuildDate, GoVersion)
}

// GetVersionInfo returns the build metadata as log fields.
func GetVersionInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_date": BuildDate,
		"go_version": GoVersion,
	}
}
