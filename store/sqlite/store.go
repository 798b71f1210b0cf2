// Package sqlite provides a SQLite-backed job store using the pure-Go
// modernc.org/sqlite driver. Suitable for single-node deployments that
// need jobs to survive restarts without an external database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "modernc.org/sqlite" // register the "sqlite" database/sql driver

	"github.com/mediaflow/fetchq"
	"github.com/mediaflow/fetchq/id"
	"github.com/mediaflow/fetchq/job"
)

// Ensure Store implements the job store contract at compile time.
var _ job.Store = (*Store)(nil)

// Store persists jobs in a single SQLite database file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (creating if necessary) the database at path. WAL mode and
// a busy timeout are applied so the dispatcher and API can share the
// connection pool without SQLITE_BUSY churn.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"journal_mode(WAL)",
			"busy_timeout(5000)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("fetchq/sqlite: open %s: %w", path, err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// lock contention between the pool's writers.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate applies any pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fetchq_schema (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("fetchq/sqlite: create schema table: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM fetchq_schema`).Scan(&current)
	if err != nil {
		return fmt.Errorf("fetchq/sqlite: read schema version: %w", err)
	}

	for i, stmt := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("fetchq/sqlite: migration %d failed: %w", version, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO fetchq_schema (version, applied_at) VALUES (?, ?)`,
			version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("fetchq/sqlite: record migration %d: %w", version, err)
		}
		s.logger.Info("applied migration", slog.Int("version", version))
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveJob inserts or replaces the job row by ID.
func (s *Store) SaveJob(ctx context.Context, j *job.Job) error {
	m := toRow(j)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fetchq_jobs (
			id, source_url, title, uploader, profile, engine,
			priority, state, max_retries, retry_count,
			bandwidth_cap, dedup_key, run_at, duration_sec, file_path,
			last_error, last_error_class,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_url       = excluded.source_url,
			title            = excluded.title,
			uploader         = excluded.uploader,
			profile          = excluded.profile,
			engine           = excluded.engine,
			priority         = excluded.priority,
			state            = excluded.state,
			max_retries      = excluded.max_retries,
			retry_count      = excluded.retry_count,
			bandwidth_cap    = excluded.bandwidth_cap,
			dedup_key        = excluded.dedup_key,
			run_at           = excluded.run_at,
			duration_sec     = excluded.duration_sec,
			file_path        = excluded.file_path,
			last_error       = excluded.last_error,
			last_error_class = excluded.last_error_class,
			created_at       = excluded.created_at,
			started_at       = excluded.started_at,
			completed_at     = excluded.completed_at,
			updated_at       = excluded.updated_at`,
		m.id, m.sourceURL, m.title, m.uploader, m.profile, m.engine,
		m.priority, m.state, m.maxRetries, m.retryCount,
		m.bandwidthCap, m.dedupKey, m.runAt, m.durationSec, m.filePath,
		m.lastError, m.lastErrorClass,
		m.createdAt, m.startedAt, m.completedAt, m.updatedAt,
	)
	if err != nil {
		return fmt.Errorf("fetchq/sqlite: save job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		selectJobs+` WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", fetchq.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("fetchq/sqlite: get job: %w", err)
	}
	return j, nil
}

// LoadAllJobs returns every persisted job, oldest first.
func (s *Store) LoadAllJobs(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, selectJobs+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("fetchq/sqlite: load jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []*job.Job
	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("fetchq/sqlite: load jobs: %w", scanErr)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetchq/sqlite: load jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a job row by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM fetchq_jobs WHERE id = ?`, jobID.String())
	if err != nil {
		return fmt.Errorf("fetchq/sqlite: delete job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return fmt.Errorf("%w: %s", fetchq.ErrJobNotFound, jobID)
	}
	return nil
}
