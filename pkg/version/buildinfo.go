package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

func init() {
	buildInfo = moduleBuildInfo
}

// moduleBuildInfo lists the main module, the build settings that matter
// for a ptrace tool and every dependency with its replacement.
func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}

	var b strings.Builder
	fmt.Fprintf(&b, " mod\t%s\t%s\n", info.Main.Path, info.Main.Version)
	for _, setting := range info.Settings {
		switch setting.Key {
		case "GOOS", "GOARCH", "CGO_ENABLED", "vcs.time":
			fmt.Fprintf(&b, " build\t%s=%s\n", setting.Key, setting.Value)
		}
	}
	for _, dep := range info.Deps {
		fmt.Fprintf(&b, " dep\t%s\t%s", dep.Path, dep.Version)
		if r := dep.Replace; r != nil {
			fmt.Fprintf(&b, "\t=> %s\t%s", r.Path, r.Version)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
