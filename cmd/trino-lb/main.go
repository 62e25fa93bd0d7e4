// Command trino-lb runs the trino-lb admission, proxy and scaler daemon.
package main

import (
	"os"

	"github.com/stackabletech/trino-lb/internal/cli"
)

// Set at build time via:
//
//	go build -ldflags "-X main.version=... -X main.commit=... -X main.date=..."
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.GitCommit = commit
	cli.BuildDate = date

	os.Exit(cli.New().Execute())
}
