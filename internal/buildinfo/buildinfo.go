// Package buildinfo holds firmware version and build metadata stamped at
// compile time via ldflags, plus the process start time used to derive
// uptime and boot time.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "0.2.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// startTime records when the process started. Boot time reported to the
// broker is recomputed from wall clock minus uptime, so a clock that is
// stepped by time sync after start still yields a correct value.
var startTime = time.Now()

// Info returns all build and runtime info as a map.
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

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// BootTime returns now minus uptime, truncated to whole seconds.
func BootTime(now time.Time) time.Time {
	return now.Add(-Uptime()).Truncate(time.Second)
}

// UserAgent returns the User-Agent header value for outbound HTTP.
func UserAgent() string {
	return "yardnode/" + Version
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("yardnode %s (%s) built %s", Version, GitCommit, BuildTime)
}
