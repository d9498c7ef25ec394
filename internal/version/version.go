// Package version reports what build of the collector is running.
//
// Release builds set the variables with ldflags:
//
//	go build -ldflags "-X github.com/parasxparkash/zerodhaDataCollector/internal/version.Version=1.2.0 \
//	                   -X github.com/parasxparkash/zerodhaDataCollector/internal/version.Commit=$(git rev-parse --short HEAD)"
//
// Without them the VCS stamp the Go toolchain embeds is used instead.
package version

import (
	"runtime/debug"
	"sync"
)

var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

var resolveOnce sync.Once

// resolve fills Commit and BuildTime from the embedded build info when
// ldflags left them empty.
func resolve() {
	resolveOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		var modified bool
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if Commit == "" {
					Commit = s.Value
					if len(Commit) > 12 {
						Commit = Commit[:12]
					}
				}
			case "vcs.time":
				if BuildTime == "" {
					BuildTime = s.Value
				}
			case "vcs.modified":
				modified = s.Value == "true"
			}
		}
		if modified && Commit != "" {
			Commit += "-dirty"
		}
	})
}

// String returns "version (commit) built time", omitting unknown parts.
func String() string {
	resolve()
	s := Version
	if Commit != "" {
		s += " (" + Commit + ")"
	}
	if BuildTime != "" {
		s += " built " + BuildTime
	}
	return s
}
