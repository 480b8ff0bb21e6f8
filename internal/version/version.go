package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set via ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Get returns the build information. Fields not set through ldflags fall
// back to what the Go toolchain stamped into the binary.
func Get() Info {
	info := Info{Version: Version, Commit: GitCommit, BuildDate: BuildDate, GoVersion: runtime.Version()}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.BuildDate == "unknown" {
				info.BuildDate = s.Value
			}
		}
	}
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("keyrelay %s (commit: %s, built: %s, %s)", i.Version, i.Commit, i.BuildDate, i.GoVersion)
}

// UserAgent identifies the relay to upstream services.
func UserAgent() string {
	return userAgent()
}

var userAgent = sync.OnceValue(func() string {
	return "keyrelay/" + Get().Version
})
