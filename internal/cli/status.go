package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/aristath/releaser/internal/config"
	"github.com/aristath/releaser/internal/history"
	"github.com/aristath/releaser/internal/schema"
	"github.com/aristath/releaser/internal/server"
	"github.com/aristath/releaser/pkg/logger"
	"github.com/spf13/cobra"
)

func newValidateConsoleCmd() *cobra.Command {
	var (
		port   int
		script string
	)

	cmd := &cobra.Command{
		Use:    "validate-console",
		Short:  "Show a SQL script and send the approval answer back to the release",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if script == "" {
				return errors.New("--script is required")
			}
			return schema.RunConsole(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), port, script)
		},
	}
	cmd.Flags().IntVar(&port, "port", 50505, "validation listener port")
	cmd.Flags().StringVar(&script, "script", "", "script to show")
	return cmd
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [release-id]",
		Short: "List past releases or show one release",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(opts.configPath)
			if err != nil {
				return err
			}
			log := logger.New(logger.Config{Level: levelOr(opts.logLevel, "warn"), Pretty: true, Out: cmd.ErrOrStderr()})
			db, repo, err := openHistory(cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			if len(args) == 1 {
				rel, err := repo.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if rel == nil {
					return fmt.Errorf("release %s not found", args[0])
				}
				printRelease(cmd.OutOrStdout(), rel)
				return nil
			}

			releases, err := repo.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printReleases(cmd.OutOrStdout(), releases)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of releases to list")
	return cmd
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve release history over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(opts.configPath)
			if err != nil {
				return err
			}
			log := logger.New(logger.Config{Level: levelOr(opts.logLevel, cfg.LogLevel), Pretty: true, Out: cmd.ErrOrStderr()})
			db, repo, err := openHistory(cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			srv := server.New(server.Config{
				Log:      log,
				Port:     port,
				Releases: repo,
				DB:       db,
				Version:  Version,
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Error().Err(err).Msg("Server forced to shutdown")
				return err
			}
			log.Info().Msg("Server stopped")
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "listen port")
	return cmd
}

func levelOr(level, fallback string) string {
	if level != "" {
		return level
	}
	return fallback
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func printReleases(w io.Writer, releases []history.Release) {
	if len(releases) == 0 {
		fmt.Fprintln(w, "No releases recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSTARTED\tDURATION")
	for _, rel := range releases {
		started := rel.StartedAt
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rel.ID, rel.Name, rel.Status, formatTime(&started),
			(time.Duration(rel.DurationMS) * time.Millisecond).String())
	}
	tw.Flush()
}

func printRelease(w io.Writer, rel *history.Release) {
	started := rel.StartedAt
	fmt.Fprintf(w, "Release:  %s\nName:     %s\nStatus:   %s\nStarted:  %s\nFinished: %s\n",
		rel.ID, rel.Name, rel.Status, formatTime(&started), formatTime(rel.FinishedAt))
	if rel.Artifact != "" {
		fmt.Fprintf(w, "Artifact: %s\n", rel.Artifact)
	}
	if rel.RemotePath != "" {
		fmt.Fprintf(w, "Remote:   %s\n", rel.RemotePath)
	}
	if rel.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", rel.Error)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTATUS\tDURATION\tERROR")
	for _, s := range rel.Stages {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Stage, s.Status, (time.Duration(s.DurationMS) * time.Millisecond).String(), s.Error)
	}
	tw.Flush()
}
