package version

import (
	"runtime/debug"
	"strings"
)

// Set through -ldflags at release time.
var (
	Version = "0.1.0"
	Commit  = "unknown"
	Date    = "unknown"
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Modified  bool   `json:"modified,omitempty"`
}

// Get returns the build identity. Commit and date fall back to the VCS
// stamp the Go toolchain embeds when ldflags did not set them.
func Get() Info {
	return resolve(Version, Commit, Date, debug.ReadBuildInfo)
}

// Resolve returns the version string printed by `whisperd version`.
func Resolve() string {
	return Get().String()
}

func (i Info) String() string {
	var b strings.Builder
	b.WriteString(i.Version)
	if i.Commit != "" && i.Commit != "unknown" {
		b.WriteString("+")
		b.WriteString(shortCommit(i.Commit))
		if i.Modified {
			b.WriteString("-dirty")
		}
	}
	return b.String()
}

func resolve(base, commit, date string, read func() (*debug.BuildInfo, bool)) Info {
	if base == "" {
		base = "0.0.0"
	}
	info := Info{Version: base, Commit: commit, Date: date}

	bi, ok := read()
	if !ok || bi == nil {
		return info
	}
	info.GoVersion = bi.GoVersion

	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" || info.Commit == "unknown" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Date == "" || info.Date == "unknown" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

func shortCommit(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
