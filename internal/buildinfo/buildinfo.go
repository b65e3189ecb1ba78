// Package buildinfo holds version metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
)

// Set at build time:
//
//	go build -ldflags "-X ble-attendance/internal/buildinfo.Version=v1.2.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("presenced %s (%s) built %s %s/%s", Version, GitCommit, BuildTime, runtime.GOOS, runtime.GOARCH)
}

// UserAgent is sent on every outbound HTTP request.
func UserAgent() string {
	return "presenced/" + Version
}
