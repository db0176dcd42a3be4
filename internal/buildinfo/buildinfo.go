// Package buildinfo holds version and build metadata. Release builds
// stamp the variables with -ldflags; a plain "go install" falls back to
// the module and VCS data the toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set at build time via -ldflags "-X .../buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// ClientName is the name mcphost reports in the MCP clientInfo block
// and in the HTTP User-Agent.
const ClientName = "mcphost"

var startTime = time.Now()

// Details is the build and runtime description served by "mcphost
// version" and GET /v1/version.
type Details struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

// Fields returns the details as ordered label/value pairs for text
// output. Uptime is omitted.
func (d Details) Fields() [][2]string {
	return [][2]string{
		{"version", d.Version},
		{"git_commit", d.GitCommit},
		{"git_branch", d.GitBranch},
		{"build_time", d.BuildTime},
		{"go_version", d.GoVersion},
		{"os", d.OS},
		{"arch", d.Arch},
	}
}

// Unstamped values are filled from debug.ReadBuildInfo before any
// reader runs. Stamped values always win.
func init() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		applyBuildInfo(bi)
	}
}

func applyBuildInfo(bi *debug.BuildInfo) {
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && s.Value != "" {
				GitCommit = s.Value
				if len(GitCommit) > 12 {
					GitCommit = GitCommit[:12]
				}
			}
		case "vcs.time":
			if BuildTime == "unknown" && s.Value != "" {
				BuildTime = s.Value
			}
		}
	}
}

// Current returns the build details with the process uptime.
func Current() Details {
	return Details{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent returns the User-Agent string for outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s; %s)", ClientName, Version, runtime.GOOS, runtime.GOARCH)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("%s %s (%s@%s) built %s", ClientName, Version, GitCommit, GitBranch, BuildTime)
}
