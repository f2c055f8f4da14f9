package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version, BuildTime, and GitCommit are overridden at build time via
// -ldflags; Version stays "dev" for a plain `go build`.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hermesd %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Printf("Go Version: %s\n", runtime.Version())
	},
}
