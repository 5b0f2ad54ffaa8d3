// Package cli wires configuration, logging and the release components into
// the releaser command line.
package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/releaser/internal/schema"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev"

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configPath string
	logLevel   string
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "releaser",
		Short:         "Build, ship and roll out a release to its target host",
		Long:          `releaser builds the solution, backs up and stops the target host, uploads the package, updates the database schema and restarts the services.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "release.yaml", "release configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	addCommandOnce(root, newReleaseCmd(opts))
	addCommandOnce(root, newBuildCmd(opts))
	addCommandOnce(root, newSchemaCmd(opts))
	addCommandOnce(root, newBackupCmd(opts))
	addCommandOnce(root, newValidateConsoleCmd())
	addCommandOnce(root, newHistoryCmd(opts))
	addCommandOnce(root, newServeCmd(opts))
	return root
}

// Execute runs the command line until it finishes or a signal arrives
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil && !errors.Is(err, schema.ErrUserAborted) {
		root.PrintErrln("Error:", err)
	}
	return err
}

// ExitCode maps a command error to the process exit status. A declined
// script is an operator decision, not a failure.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, schema.ErrUserAborted) {
		return 0
	}
	return 1
}

func addCommandOnce(parent *cobra.Command, child *cobra.Command) {
	for _, existing := range parent.Commands() {
		if existing == child || existing.Name() == child.Name() {
			return
		}
	}
	parent.AddCommand(child)
}
