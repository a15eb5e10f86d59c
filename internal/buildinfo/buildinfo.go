// Package buildinfo reports the version stamped into dcrange binaries.
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// These values are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var readBuildInfo = debug.ReadBuildInfo

// String renders the version line printed by --version.
func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, revision(), Date)
}

// UserAgent identifies the CLI to the daemon.
func UserAgent() string {
	return "dcrange/" + Version
}

// revision falls back to the VCS stamp of `go build` when no commit was
// injected through -ldflags.
func revision() string {
	if Commit != "none" && Commit != "" {
		return Commit
	}
	info, ok := readBuildInfo()
	if !ok {
		return Commit
	}
	var rev string
	dirty := false
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			rev = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if rev == "" {
		return Commit
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
}
