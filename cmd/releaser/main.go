// Package main is the entry point for releaser, which builds a solution and
// rolls it out to a remote Windows host with backup, package upload,
// database schema update and service restart.
package main

import (
	"os"

	"github.com/aristath/releaser/internal/cli"
)

func main() {
	os.Exit(cli.ExitCode(cli.Execute()))
}
