// Package buildinfo holds version metadata stamped at link time.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set with -ldflags "-X github.com/nugget/droidpilot/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime details keyed for JSON output.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since the process started, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String is the one-line banner logged at startup.
func String() string {
	return fmt.Sprintf("droidpilot %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return fmt.Sprintf("droidpilot/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
