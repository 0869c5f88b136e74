// Package buildinfo reports what binary is running. Release builds stamp
// the variables below with ldflags:
//
//	go build -ldflags "-X github.com/nugget/automaton/internal/buildinfo.Version=v0.3.0"
//
// Unstamped builds fall back to the VCS data the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Build is the version payload served by the status API and printed by
// the version command.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	Modified  string `json:"modified,omitempty"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

var vcs = sync.OnceValue(func() map[string]string {
	out := map[string]string{}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	for _, s := range bi.Settings {
		out[s.Key] = s.Value
	}
	return out
})

// Info returns build metadata and the current uptime.
func Info() Build {
	b := Build{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
	settings := vcs()
	if b.GitCommit == "unknown" && settings["vcs.revision"] != "" {
		b.GitCommit = shortRev(settings["vcs.revision"])
	}
	if b.BuildTime == "unknown" && settings["vcs.time"] != "" {
		b.BuildTime = settings["vcs.time"]
	}
	if settings["vcs.modified"] == "true" {
		b.Modified = "true"
	}
	return b
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String is the one-line banner logged at startup.
func String() string {
	b := Info()
	return fmt.Sprintf("Automaton %s (%s) built %s", b.Version, b.GitCommit, b.BuildTime)
}

// UserAgent is sent on every outbound provider request.
func UserAgent() string {
	return "automaton/" + Version
}
