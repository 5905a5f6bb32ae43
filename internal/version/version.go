// Package version holds build metadata for the stylefang binary.
package version

import "runtime/debug"

// Set at link time with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "<unknown>"
	Date    = "<unknown>"
)

// InitBinaryVersion fills unset metadata from the module build info, so
// `go install`ed binaries report their module version and VCS revision.
func InitBinaryVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	apply(info)
}

func apply(info *debug.BuildInfo) {
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if Commit == "<unknown>" {
				Commit = setting.Value
			}
		case "vcs.time":
			if Date == "<unknown>" {
				Date = setting.Value
			}
		}
	}
}
