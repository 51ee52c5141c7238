package api

import (
	"runtime"
	"runtime/debug"
)

// Version information, set via ldflags in release builds.
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	if Version != "" {
		return
	}
	info, _ := debug.ReadBuildInfo()
	Version, BuildTime, GitCommit = devVersion(info)
}

// devVersion derives "dev-<short commit>[-dirty]" from the VCS stamp Go
// embeds in builds made from a checkout.
func devVersion(info *debug.BuildInfo) (version, buildTime, commit string) {
	version = "dev"
	if info == nil {
		return version, "", ""
	}

	var modified bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.time":
			buildTime = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if commit != "" {
		version += "-" + commit[:min(7, len(commit))]
		if modified {
			version += "-dirty"
		}
	}
	return version, buildTime, commit
}

func versionInfo() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
		"platform":  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
