package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release of the updater. It is set via ldflags by the firmware build.
	Version = "0.0.0-dev"
	// Commit is the short git SHA embedded at build time (or "none").
	Commit = "none"
	// BuildTime is the UTC build timestamp embedded at build time.
	BuildTime = "unknown"
)

// Short returns only the release string, as written to the install log.
func Short() string {
	return Version
}

// Full returns a human-readable version string with commit, build time and target.
func Full() string {
	return fmt.Sprintf("kobo-updater %s (commit %s, built %s, %s/%s)",
		Version, Commit, BuildTime, runtime.GOOS, runtime.GOARCH)
}

// Fields returns the build metadata as logger key-value pairs.
func Fields() []any {
	return []any{"version", Version, "commit", Commit}
}
