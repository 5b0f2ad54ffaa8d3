package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/releaser/internal/build"
	"github.com/aristath/releaser/internal/config"
	"github.com/aristath/releaser/internal/database"
	"github.com/aristath/releaser/internal/deployment"
	"github.com/aristath/releaser/internal/execlog"
	"github.com/aristath/releaser/internal/history"
	"github.com/aristath/releaser/internal/reliability"
	"github.com/aristath/releaser/internal/remote"
	"github.com/aristath/releaser/internal/schema"
	"github.com/aristath/releaser/internal/work"
	"github.com/aristath/releaser/pkg/logger"
	"github.com/rs/zerolog"
)

// run holds everything one command invocation owns: the config, the run
// directory with its log files, and the logger writing to both.
type run struct {
	cfg     *config.ReleaseConfig
	dir     string
	log     zerolog.Logger
	execLog *execlog.Log
	logFile *os.File
}

// runDirName is the per-run folder under the log directory
func runDirName(t time.Time) string {
	return "release_" + t.Format("20060102_150405")
}

// startRun creates the run directory and opens release.log and the
// execution log in it.
func startRun(cfg *config.ReleaseConfig, level string, console io.Writer) (*run, error) {
	dir := filepath.Join(cfg.LogDir, runDirName(time.Now()))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, "release.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open release log: %w", err)
	}

	execLog, err := execlog.Open(filepath.Join(dir, cfg.Remote.ExecLogName))
	if err != nil {
		logFile.Close()
		return nil, err
	}

	if level == "" {
		level = cfg.LogLevel
	}
	log := logger.New(logger.Config{Level: level, Pretty: true, Out: console, File: logFile})
	log.Info().Str("dir", dir).Str("release", cfg.Name).Msg("Run started")

	return &run{cfg: cfg, dir: dir, log: log, execLog: execLog, logFile: logFile}, nil
}

func (r *run) close() {
	if err := r.execLog.Close(); err != nil {
		r.log.Warn().Err(err).Msg("Failed to close execution log")
	}
	r.logFile.Close()
}

func (r *run) pool() *work.Pool {
	return work.NewPool(r.cfg.Workers, r.log)
}

func (r *run) builder() *build.Builder {
	targets := make([]build.Target, len(r.cfg.Build.Targets))
	for i, t := range r.cfg.Build.Targets {
		targets[i] = build.Target{Name: t.Name, Command: t.Command}
	}
	return build.NewBuilder(build.BuilderConfig{
		SolutionDir: r.cfg.Build.SolutionDir,
		DevCmdPath:  r.cfg.Build.DevCmdPath,
		Targets:     targets,
	}, build.ShellRunner{}, r.log)
}

func (r *run) publisher() *build.Publisher {
	b := r.cfg.Build
	folders := make([]build.Folder, len(b.Folders))
	for i, f := range b.Folders {
		folders[i] = build.Folder{Name: f.Name, Source: f.Source}
	}
	packer := build.NewSevenZipPacker(b.SevenZipPath, build.NewZipPacker(r.log), r.log)
	return build.NewPublisher(build.PublisherConfig{
		SolutionDir:       b.SolutionDir,
		PublishDir:        b.PublishDir,
		Folders:           folders,
		ConfigFiles:       b.ConfigFiles,
		RemoveConfigFiles: r.cfg.Flags.RemoveConfigFiles,
		Zip:               r.cfg.Flags.Zip,
		MinFreeMB:         b.MinFreeMB,
	}, packer, reliability.NewDiskChecker(r.log), r.log)
}

func remoteConfig(c config.RemoteConfig) remote.Config {
	return remote.Config{
		Host:           c.Host,
		Port:           c.Port,
		User:           c.User,
		Password:       c.Password,
		KeyPath:        c.KeyPath,
		KnownHostsPath: c.KnownHostsPath,
		DialTimeout:    c.DialTimeout,
	}
}

func hostConfig(cfg *config.ReleaseConfig) deployment.HostConfig {
	rc := cfg.Remote
	return deployment.HostConfig{
		ReleaseName:         cfg.Name,
		BaseDeploymentDir:   rc.BaseDeploymentDir,
		BaseBackupDir:       rc.BaseBackupDir,
		ScriptsDir:          rc.ScriptsDir,
		BackupDirs:          rc.BackupDirs,
		Destinations:        rc.Destinations(),
		Services:            rc.Services,
		BackupScript:        rc.BackupScript,
		ExtractScript:       rc.ExtractScript,
		StopCommand:         rc.StopCommand,
		StartCommand:        rc.StartCommand,
		ExtractMode:         cfg.EffectiveExtractMode(),
		ExtractSuccessCodes: rc.ExtractSuccessCodes,
		PruneStale:          rc.PruneStale,
		SevenZipPath:        rc.SevenZipPath,
	}
}

// remotes returns a factory handing every caller its own SSH session
func (r *run) remotes() deployment.RemoteFactory {
	sessions := remote.NewFactory(remoteConfig(r.cfg.Remote), r.execLog, r.log)
	hc := hostConfig(r.cfg)
	return func(name string) deployment.Remote {
		return deployment.NewHost(hc, sessions.New(name), r.log)
	}
}

// companion is the command launched to show the script for approval
func (r *run) companion() ([]string, error) {
	if len(r.cfg.SQL.CompanionCommand) > 0 {
		return r.cfg.SQL.CompanionCommand, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate executable for validation console: %w", err)
	}
	return []string{self, "validate-console"}, nil
}

func (r *run) schemaPipeline(pool *work.Pool) (*schema.Pipeline, error) {
	sc := r.cfg.SQL
	downloader, err := schema.NewDownloader(sc.FallbackScriptName, 2*time.Minute, r.log)
	if err != nil {
		return nil, err
	}

	var approver schema.Approver
	if r.cfg.Flags.ValidateBeforeExecute {
		command, err := r.companion()
		if err != nil {
			return nil, err
		}
		approver = schema.NewValidator(sc.ValidationPort, sc.ValidationTimeout, schema.CommandLauncher{Command: command}, r.log)
	}

	runner := schema.NewMSSQLRunner(schema.ConnectionConfig{
		Server:   sc.Connection.Server,
		Port:     sc.Connection.Port,
		User:     sc.Connection.User,
		Password: sc.Connection.Password,
	})
	executor := schema.NewExecutor(runner, pool, r.dir, r.execLog, r.log)

	opts := schema.Options{
		URL:       sc.URL,
		WorkDir:   filepath.Join(r.dir, "scripts"),
		AllTables: sc.AllTables,
		Tables:    sc.Tables,
		Validate:  r.cfg.Flags.ValidateBeforeExecute,
		Databases: sc.TargetDatabases(),
	}
	return schema.NewPipeline(opts, downloader, schema.NewFilter(r.log), approver, executor, r.log), nil
}

// archive ships the run directory when a bucket is configured. Failures
// are logged only.
func (r *run) archive(ctx context.Context) {
	ac := r.cfg.Archive
	if ac.Bucket == "" {
		return
	}
	uploader, err := reliability.NewS3Uploader(ctx, reliability.S3Config{
		Bucket:          ac.Bucket,
		Region:          ac.Region,
		Endpoint:        ac.Endpoint,
		AccessKeyID:     ac.AccessKeyID,
		SecretAccessKey: ac.SecretAccessKey,
	}, r.log)
	if err != nil {
		r.log.Warn().Err(err).Msg("Run log archive disabled")
		return
	}
	if _, err := reliability.NewLogArchiver(uploader, ac.Prefix, r.log).Archive(ctx, r.dir); err != nil {
		r.log.Warn().Err(err).Msg("Failed to archive run logs")
	}
}

// openHistory opens and migrates the history database
func openHistory(cfg *config.ReleaseConfig, log zerolog.Logger) (*database.DB, *history.Repository, error) {
	db, err := database.New(database.Config{Path: cfg.History.Path, Name: "history"})
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, history.NewRepository(db.Conn(), log), nil
}
