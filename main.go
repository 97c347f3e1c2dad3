package main

import (
	"github.com/kube-vip/nd6/cmd"
)

// Version is set with -ldflags at build time and is tied to the release TAG
var Version string

// Build is the last GIT commit
var Build string

func main() {
	cmd.Release.Version = Version
	cmd.Release.Build = Build
	cmd.Execute()
}
