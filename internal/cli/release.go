package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/aristath/releaser/internal/config"
	"github.com/aristath/releaser/internal/deployment"
	"github.com/aristath/releaser/internal/schema"
	"github.com/spf13/cobra"
)

// loadForRelease reads the config, applies flag overrides, then validates
func loadForRelease(opts *globalOptions, skipSchema bool) (*config.ReleaseConfig, error) {
	cfg, err := config.Read(opts.configPath)
	if err != nil {
		return nil, err
	}
	if skipSchema {
		cfg.Flags.SkipSchema = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newReleaseCmd(opts *globalOptions) *cobra.Command {
	var skipSchema bool

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Run the complete release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadForRelease(opts, skipSchema)
			if err != nil {
				return err
			}
			r, err := startRun(cfg, opts.logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer r.close()
			ctx := cmd.Context()

			pool := r.pool()
			var schemaRunner deployment.SchemaRunner
			if !cfg.Flags.SkipSchema {
				pipeline, err := r.schemaPipeline(r.pool())
				if err != nil {
					return err
				}
				schemaRunner = pipeline
			}

			var recorder deployment.Recorder
			db, repo, err := openHistory(cfg, r.log)
			if err != nil {
				r.log.Warn().Err(err).Msg("Release history unavailable")
			} else {
				defer db.Close()
				recorder = repo
			}

			manager := deployment.NewManager(deployment.Config{
				Name:              cfg.Name,
				BackupWaitTimeout: cfg.BackupWaitTimeout,
				SkipSchema:        cfg.Flags.SkipSchema,
			}, r.builder(), r.publisher(), schemaRunner, r.remotes(), pool, recorder, r.log)

			result, err := manager.Release(ctx)
			r.archive(context.WithoutCancel(ctx))
			printResult(cmd.OutOrStdout(), result)
			return err
		},
	}
	cmd.Flags().BoolVar(&skipSchema, "skip-schema", false, "do not run the SQL script pipeline")
	return cmd
}

func newBuildCmd(opts *globalOptions) *cobra.Command {
	var publish bool

	cmd := &cobra.Command{
		Use:   "build [targets...]",
		Short: "Build the solution and optionally publish the package",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(opts.configPath)
			if err != nil {
				return err
			}
			r, err := startRun(cfg, opts.logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer r.close()

			if err := r.builder().Build(cmd.Context(), args...); err != nil {
				return err
			}
			if !publish {
				return nil
			}
			art, err := r.publisher().Publish(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), art.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", true, "publish and pack after building")
	return cmd
}

func newSchemaCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Download, filter, validate and execute the SQL script",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadForRelease(opts, false)
			if err != nil {
				return err
			}
			r, err := startRun(cfg, opts.logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer r.close()

			pipeline, err := r.schemaPipeline(r.pool())
			if err != nil {
				return err
			}
			out, err := pipeline.Run(cmd.Context())
			printOutcome(cmd.OutOrStdout(), out)
			return err
		},
	}
}

func newBackupCmd(opts *globalOptions) *cobra.Command {
	var stop bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the target host directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadForRelease(opts, true)
			if err != nil {
				return err
			}
			r, err := startRun(cfg, opts.logLevel, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer r.close()

			host := r.remotes()("backup")
			defer host.Close()
			if err := host.Backup(cmd.Context()); err != nil {
				return err
			}
			if stop {
				return host.StopServices(cmd.Context())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stop, "stop-services", false, "stop the configured services after the backup")
	return cmd
}

func printResult(w io.Writer, result *deployment.ReleaseResult) {
	if result == nil {
		return
	}
	fmt.Fprintf(w, "Release %s (%s): %s in %s\n", result.Name, result.ID, result.Status, result.Duration.Round(time.Millisecond))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range result.Stages {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", s.Stage, s.Status, s.Duration.Round(time.Millisecond), s.Error)
	}
	tw.Flush()
}

func printOutcome(w io.Writer, out *schema.Outcome) {
	if out == nil {
		return
	}
	fmt.Fprintf(w, "Schema pipeline: %s\n", out.State)
	if out.FailedAt != "" {
		fmt.Fprintf(w, "  failed at: %s\n", out.FailedAt)
	}
	for _, res := range out.Results {
		status := "ok"
		if res.Err != nil {
			status = res.Err.Error()
		}
		fmt.Fprintf(w, "  %s: %s\n", res.Database, status)
	}
}
