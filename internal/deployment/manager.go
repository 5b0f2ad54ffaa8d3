// Package deployment orchestrates a release: build, back up and stop the
// target, package and upload, then update the schema while the package is
// extracted and services restart.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/releaser/internal/build"
	"github.com/aristath/releaser/internal/schema"
	"github.com/aristath/releaser/internal/work"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Builder compiles the solution
type Builder interface {
	Build(ctx context.Context, only ...string) error
}

// Publisher produces the deployable artifact
type Publisher interface {
	Publish(ctx context.Context) (*build.Artifact, error)
}

// SchemaRunner runs the SQL script pipeline
type SchemaRunner interface {
	Run(ctx context.Context) (*schema.Outcome, error)
}

// Remote is one independent channel to the target host. *Host implements it.
type Remote interface {
	Backup(ctx context.Context) error
	StopServices(ctx context.Context) error
	Upload(ctx context.Context, archive string) (string, error)
	Extract(ctx context.Context, uploaded string, art *build.Artifact) error
	StartServices(ctx context.Context) error
	Close() error
}

// RemoteFactory opens a new Remote for a concurrent task. Each call must
// return a channel that shares no connection state with the others.
type RemoteFactory func(name string) Remote

// Recorder persists release progress. Failures are logged, never fatal.
type Recorder interface {
	ReleaseStarted(ctx context.Context, r *ReleaseResult) error
	StageFinished(ctx context.Context, releaseID string, s StageResult) error
	ReleaseFinished(ctx context.Context, r *ReleaseResult) error
}

// Config holds orchestrator settings
type Config struct {
	Name              string
	BackupWaitTimeout time.Duration // bound on waiting for an in-flight backup after a failure
	SkipSchema        bool
}

// Manager handles release orchestration
type Manager struct {
	config    Config
	builder   Builder
	publisher Publisher
	schema    SchemaRunner
	remotes   RemoteFactory
	pool      *work.Pool
	recorder  Recorder
	newID     func() string
	log       zerolog.Logger
}

// NewManager creates a release manager. schemaRunner may be nil when the
// schema stage is skipped; recorder may be nil.
func NewManager(config Config, builder Builder, publisher Publisher, schemaRunner SchemaRunner, remotes RemoteFactory, pool *work.Pool, recorder Recorder, log zerolog.Logger) *Manager {
	if config.BackupWaitTimeout <= 0 {
		config.BackupWaitTimeout = 5 * time.Minute
	}
	return &Manager{
		config:    config,
		builder:   builder,
		publisher: publisher,
		schema:    schemaRunner,
		remotes:   remotes,
		pool:      pool,
		recorder:  recorder,
		newID:     uuid.NewString,
		log:       log.With().Str("component", "release").Logger(),
	}
}

// Release performs the complete release workflow. The returned error is nil
// on success, wraps schema.ErrUserAborted when the operator declined the
// script, and is a *StageError otherwise.
func (m *Manager) Release(ctx context.Context) (*ReleaseResult, error) {
	result := &ReleaseResult{
		ID:      m.newID(),
		Name:    m.config.Name,
		Status:  StatusRunning,
		Started: time.Now(),
	}
	log := m.log.With().Str("release_id", result.ID).Logger()
	log.Info().Str("name", result.Name).Msg("Release started")
	m.record(func() error { return m.recorder.ReleaseStarted(ctx, result) })

	err := m.run(ctx, result, log)
	m.finish(ctx, result, err, log)
	return result, err
}

func (m *Manager) run(ctx context.Context, result *ReleaseResult, log zerolog.Logger) error {
	if err := m.stage(ctx, result, StageBuild, func(ctx context.Context) error {
		return m.builder.Build(ctx)
	}); err != nil {
		return err
	}

	// Backup and service stop run on their own channel while packaging
	// proceeds locally.
	backupStarted := time.Now()
	backup := m.pool.Submit(ctx, work.Task{Name: string(StageBackup), Run: func(ctx context.Context) error {
		r := m.remotes("backup")
		defer r.Close()
		if err := r.Backup(ctx); err != nil {
			return err
		}
		return r.StopServices(ctx)
	}})
	backupJoined := false
	defer func() {
		if !backupJoined {
			m.drainBackup(ctx, result, backup, backupStarted, log)
		}
	}()

	var art *build.Artifact
	if err := m.stage(ctx, result, StagePackage, func(ctx context.Context) error {
		var err error
		art, err = m.publisher.Publish(ctx)
		return err
	}); err != nil {
		return err
	}
	result.Artifact = art.Path()

	host := m.remotes("release")
	defer host.Close()

	if art.Path() == "" {
		m.skip(ctx, result, StageUpload, log)
	} else if err := m.stage(ctx, result, StageUpload, func(ctx context.Context) error {
		var err error
		result.RemotePath, err = host.Upload(ctx, art.Path())
		return err
	}); err != nil {
		return err
	}

	backupJoined = true
	if err := m.finishStage(ctx, result, fromTask(StageBackup, backupStarted, backup.Wait())); err != nil {
		return err
	}

	tasks := []work.Task{{Name: string(StageExtract), Run: func(ctx context.Context) error {
		r := m.remotes("extract")
		defer r.Close()
		if err := r.Extract(ctx, result.RemotePath, art); err != nil {
			return err
		}
		return r.StartServices(ctx)
	}}}
	runSchema := !m.config.SkipSchema && m.schema != nil
	if runSchema {
		tasks = append(tasks, work.Task{Name: string(StageSchema), Run: func(ctx context.Context) error {
			_, err := m.schema.Run(ctx)
			return err
		}})
	}
	started := time.Now()
	results := m.pool.RunAll(ctx, tasks)

	schemaStage := StageResult{Stage: StageSchema, Status: StatusSkipped, Started: started}
	if runSchema {
		schemaStage = fromTask(StageSchema, started, results[1])
	}
	schemaErr := m.finishStage(ctx, result, schemaStage)
	extractErr := m.finishStage(ctx, result, fromTask(StageExtract, started, results[0]))
	if extractErr != nil {
		return extractErr
	}
	return schemaErr
}

// drainBackup waits a bounded time for a backup still running when the
// release failed, so the host is not left mid-backup silently.
func (m *Manager) drainBackup(ctx context.Context, result *ReleaseResult, backup *work.Future, started time.Time, log zerolog.Logger) {
	if !backup.Done() {
		log.Warn().Dur("timeout", m.config.BackupWaitTimeout).Msg("Release failed, waiting for backup to finish")
	}
	res, ok := backup.WaitTimeout(m.config.BackupWaitTimeout)
	if !ok {
		log.Error().Dur("timeout", m.config.BackupWaitTimeout).Msg("Backup still running after timeout, check the host manually")
		res.Err = errors.New("backup did not finish in time")
	}
	m.finishStage(ctx, result, fromTask(StageBackup, started, res))
}

// stage runs fn synchronously and records its result
func (m *Manager) stage(ctx context.Context, result *ReleaseResult, name Stage, fn func(ctx context.Context) error) error {
	started := time.Now()
	m.log.Info().Str("stage", string(name)).Msg("Stage started")
	return m.finishStage(ctx, result, stageResult(name, started, fn(ctx)))
}

func (m *Manager) skip(ctx context.Context, result *ReleaseResult, name Stage, log zerolog.Logger) {
	log.Info().Str("stage", string(name)).Msg("Stage skipped")
	m.finishStage(ctx, result, StageResult{Stage: name, Status: StatusSkipped, Started: time.Now()})
}

// finishStage appends s to the release and returns the error the release
// should stop with, if any.
func (m *Manager) finishStage(ctx context.Context, result *ReleaseResult, s StageResult) error {
	result.Stages = append(result.Stages, s)
	m.record(func() error { return m.recorder.StageFinished(ctx, result.ID, s) })

	logEvent := m.log.Info()
	if s.Status == StatusFailed {
		logEvent = m.log.Error().Str("error", s.Error)
	} else if s.Status == StatusAborted {
		logEvent = m.log.Warn()
	}
	logEvent.
		Str("release_id", result.ID).
		Str("stage", string(s.Stage)).
		Str("status", string(s.Status)).
		Dur("duration", s.Duration).
		Msg("Stage finished")

	switch s.Status {
	case StatusFailed:
		return &StageError{Stage: s.Stage, Err: s.err}
	case StatusAborted:
		return fmt.Errorf("%s stage: %w", s.Stage, s.err)
	}
	return nil
}

func (m *Manager) finish(ctx context.Context, result *ReleaseResult, err error, log zerolog.Logger) {
	result.Duration = time.Since(result.Started)
	switch {
	case err == nil:
		result.Status = StatusSucceeded
	case errors.Is(err, schema.ErrUserAborted):
		result.Status = StatusAborted
		result.Error = err.Error()
	default:
		result.Status = StatusFailed
		result.Error = err.Error()
	}
	m.record(func() error { return m.recorder.ReleaseFinished(ctx, result) })

	logEvent := log.Info()
	if result.Status == StatusFailed {
		logEvent = log.Error()
	}
	logEvent = logEvent.
		Str("status", string(result.Status)).
		Dur("duration", result.Duration).
		Int("stages", len(result.Stages))
	if result.Error != "" {
		logEvent = logEvent.Str("error", result.Error)
	}
	logEvent.Msg("Release completed")
}

func (m *Manager) record(fn func() error) {
	if m.recorder == nil {
		return
	}
	if err := fn(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to record release history")
	}
}

func stageResult(name Stage, started time.Time, err error) StageResult {
	s := StageResult{Stage: name, Status: StatusSucceeded, Started: started, Duration: time.Since(started), err: err}
	switch {
	case err == nil:
	case errors.Is(err, schema.ErrUserAborted):
		s.Status = StatusAborted
		s.Error = err.Error()
	default:
		s.Status = StatusFailed
		s.Error = err.Error()
	}
	return s
}

// fromTask converts a pool result, falling back to started when the task
// never got a worker.
func fromTask(name Stage, started time.Time, r work.Result) StageResult {
	s := stageResult(name, started, r.Err)
	if !r.Started.IsZero() {
		s.Started = r.Started
		s.Duration = r.Duration
	}
	return s
}
