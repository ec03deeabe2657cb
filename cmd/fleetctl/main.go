// Command fleetctl is the device fleet console CLI.
package main

import (
	"fmt"
	"os"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	c := newCLI(VersionInfo{Version: version, Commit: commit, Date: date})
	root := c.rootCommand()
	if err := root.Execute(); err != nil {
		c.printError(root.ErrOrStderr(), err)
		os.Exit(exitCode(err))
	}
}

// VersionInfo holds build-time version information
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", v.Version, v.Commit, v.Date)
}
