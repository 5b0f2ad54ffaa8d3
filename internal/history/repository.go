// Package history stores release runs and their stages in SQLite.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/releaser/internal/database"
	"github.com/aristath/releaser/internal/deployment"
	"github.com/rs/zerolog"
)

// Release is a stored release run
type Release struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Artifact   string     `json:"artifact,omitempty"`
	RemotePath string     `json:"remote_path,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	Stages     []Stage    `json:"stages,omitempty"`
}

// Stage is a stored stage result
type Stage struct {
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

const releaseColumns = `id, name, status, artifact, remote_path, error, started_at, finished_at, duration_ms`

// Repository handles release history database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a repository over the history database
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{db: db, log: log.With().Str("repo", "history").Logger()}
}

// ReleaseStarted inserts a running release
func (r *Repository) ReleaseStarted(ctx context.Context, rel *deployment.ReleaseResult) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO releases (id, name, status, started_at) VALUES (?, ?, ?, ?)`,
		rel.ID, rel.Name, string(rel.Status), rel.Started.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert release: %w", err)
	}
	return nil
}

// StageFinished upserts one stage of a release
func (r *Repository) StageFinished(ctx context.Context, releaseID string, s deployment.StageResult) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO release_stages (release_id, stage, status, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (release_id, stage) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			started_at = excluded.started_at,
			duration_ms = excluded.duration_ms
	`, releaseID, string(s.Stage), string(s.Status), s.Error, s.Started.UnixMilli(), s.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record stage %s: %w", s.Stage, err)
	}
	return nil
}

// ReleaseFinished stores the final status of a release
func (r *Repository) ReleaseFinished(ctx context.Context, rel *deployment.ReleaseResult) error {
	finished := rel.Started.Add(rel.Duration)
	res, err := r.db.ExecContext(ctx, `
		UPDATE releases
		SET status = ?, artifact = ?, remote_path = ?, error = ?, finished_at = ?, duration_ms = ?
		WHERE id = ?
	`, string(rel.Status), rel.Artifact, rel.RemotePath, rel.Error, finished.UnixMilli(), rel.Duration.Milliseconds(), rel.ID)
	if err != nil {
		return fmt.Errorf("failed to finish release: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release %s not found", rel.ID)
	}

	r.log.Debug().Str("release_id", rel.ID).Str("status", string(rel.Status)).Msg("Release recorded")
	return nil
}

// List returns the most recent releases, newest first, without stages
func (r *Repository) List(ctx context.Context, limit int) ([]Release, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+releaseColumns+" FROM releases ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list releases: %w", err)
	}
	defer rows.Close()

	releases := []Release{}
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan release: %w", err)
		}
		releases = append(releases, rel)
	}
	return releases, rows.Err()
}

// Get returns one release with its stages, or nil when id is unknown
func (r *Repository) Get(ctx context.Context, id string) (*Release, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+releaseColumns+" FROM releases WHERE id = ?", id)
	rel, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get release: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT stage, status, error, started_at, duration_ms
		FROM release_stages WHERE release_id = ? ORDER BY started_at, rowid
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get stages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s Stage
		var started int64
		if err := rows.Scan(&s.Stage, &s.Status, &s.Error, &started, &s.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		s.StartedAt = time.UnixMilli(started)
		rel.Stages = append(rel.Stages, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &rel, nil
}

// Prune deletes releases started before cutoff, returning how many went
func (r *Repository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := database.WithTransaction(r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM releases WHERE started_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune releases: %w", err)
	}
	return removed, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRelease(row scanner) (Release, error) {
	var rel Release
	var started int64
	var finished sql.NullInt64
	err := row.Scan(&rel.ID, &rel.Name, &rel.Status, &rel.Artifact, &rel.RemotePath, &rel.Error, &started, &finished, &rel.DurationMS)
	if err != nil {
		return rel, err
	}
	rel.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		t := time.UnixMilli(finished.Int64)
		rel.FinishedAt = &t
	}
	return rel, nil
}
