package main

import (
	"os"

	"github.com/sohook/sohook/cmd/sohook/cmds"
	"github.com/sohook/sohook/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.SohookVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
