package cmd

import (
	"fmt"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/Alia5/CANIPER/internal/cmd.version=...".
var (
	version = "dev"
	commit  = ""
	date    = ""
)

// BuildVersion returns the version, falling back to module build info.
func BuildVersion() string {
	if version != "dev" {
		return version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return version
}

// Version prints the build version.
type Version struct{}

func (v *Version) Run() error {
	fmt.Println(BuildVersion())
	if commit != "" {
		fmt.Println("commit", commit, date)
	}
	return nil
}
