package internal

import "runtime/debug"

var (
	AppName    = "bbb-stream-player"
	AppVersion = "devel"
	ModName    string

	BuildInfo *debug.BuildInfo
)

func init() {
	if BuildInfo, _ = debug.ReadBuildInfo(); BuildInfo != nil {
		ModName = BuildInfo.Main.Path
	}
}
