// Package main is the entry point for the sidecar-host CLI.
//
// All functionality lives in internal/cli. Build-time variables (version,
// commit, date) are injected via ldflags during the release build and
// default to "dev", "none" and "unknown".
package main

import (
	"github.com/shinji-kodama/sidecar-host/internal/cli"
)

// Set by ldflags: -X main.version=... -X main.commit=... -X main.date=...
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	cli.Execute(cli.NewRootCommand())
}
