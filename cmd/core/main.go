// Package main provides the millsync command line.
package main

import (
	"os"

	"github.com/kimhsiao/millsync/backend/internal/cli"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	os.Exit(cli.Execute(Version))
}
