// Package version reports the prwatch build.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
)

// Version is the release version, set with
// -ldflags "-X github.com/roborev-dev/prwatch/internal/version.Version=v1.2.3".
// Development builds fall back to the short VCS revision.
var Version = "dev"

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func init() {
	if Version != "dev" {
		return
	}
	if info := Get(); info.Commit != "" {
		Version = shortRevision(info.Commit, info.Modified)
	}
}

// Get collects build information from the binary.
func Get() Info {
	out := Info{
		Version:   Version,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.time":
			out.BuildTime = s.Value
		case "vcs.modified":
			out.Modified = s.Value == "true"
		}
	}
	return out
}

func shortRevision(rev string, modified bool) string {
	if len(rev) > 7 {
		rev = rev[:7]
	}
	if modified {
		rev += "-dirty"
	}
	return rev
}

// Full returns the version followed by the commit time, if known.
func Full() string {
	info := Get()
	parts := []string{info.Version}
	if info.BuildTime != "" {
		parts = append(parts, info.BuildTime)
	}
	return strings.Join(parts, " ")
}
