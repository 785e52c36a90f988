package main

import (
	"runtime/debug"

	"github.com/marcus/fieldsync/cmd"
)

// Version is stamped by release builds with -ldflags "-X main.Version=...".
var Version = "dev"

// buildVersion prefers the stamped version, then the module version of a
// `go install pkg@vX` build, then the VCS revision.
func buildVersion() string {
	if Version != "dev" && Version != "" {
		return Version
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return Version
	}
	v := "devel+" + rev[:min(12, len(rev))]
	if settings["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}

func main() {
	cmd.SetVersion(buildVersion())
	cmd.Execute()
}
