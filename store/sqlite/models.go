package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mediaflow/fetchq/id"
	"github.com/mediaflow/fetchq/job"
)

// migrations is the ordered schema history. Version N is migrations[N-1];
// append only, never edit an applied entry.
var migrations = []string{
	// 001: jobs table and indexes.
	`CREATE TABLE IF NOT EXISTS fetchq_jobs (
		id               TEXT PRIMARY KEY,
		source_url       TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		uploader         TEXT NOT NULL DEFAULT '',
		profile          TEXT NOT NULL DEFAULT 'default',
		engine           TEXT NOT NULL DEFAULT '',
		priority         INTEGER NOT NULL DEFAULT 0,
		state            TEXT NOT NULL DEFAULT 'pending',
		max_retries      INTEGER NOT NULL DEFAULT 3,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		bandwidth_cap    INTEGER NOT NULL DEFAULT 0,
		dedup_key        TEXT NOT NULL,
		run_at           TEXT NOT NULL,
		duration_sec     INTEGER NOT NULL DEFAULT 0,
		file_path        TEXT NOT NULL DEFAULT '',
		last_error       TEXT NOT NULL DEFAULT '',
		last_error_class TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		started_at       TEXT,
		completed_at     TEXT,
		updated_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fetchq_jobs_state ON fetchq_jobs (state);
	CREATE INDEX IF NOT EXISTS idx_fetchq_jobs_dedup ON fetchq_jobs (dedup_key);`,
}

const selectJobs = `SELECT
	id, source_url, title, uploader, profile, engine,
	priority, state, max_retries, retry_count,
	bandwidth_cap, dedup_key, run_at, duration_sec, file_path,
	last_error, last_error_class,
	created_at, started_at, completed_at, updated_at
	FROM fetchq_jobs`

// jobRow mirrors the fetchq_jobs columns. Timestamps travel as
// RFC3339Nano strings so the schema stays driver-neutral.
type jobRow struct {
	id             string
	sourceURL      string
	title          string
	uploader       string
	profile        string
	engine         string
	priority       int
	state          string
	maxRetries     int
	retryCount     int
	bandwidthCap   int64
	dedupKey       string
	runAt          string
	durationSec    int
	filePath       string
	lastError      string
	lastErrorClass string
	createdAt      string
	startedAt      sql.NullString
	completedAt    sql.NullString
	updatedAt      string
}

func toRow(j *job.Job) *jobRow {
	return &jobRow{
		id:             j.ID.String(),
		sourceURL:      j.SourceURL,
		title:          j.Title,
		uploader:       j.Uploader,
		profile:        j.Profile,
		engine:         j.Engine,
		priority:       j.Priority,
		state:          string(j.State),
		maxRetries:     j.MaxRetries,
		retryCount:     j.RetryCount,
		bandwidthCap:   j.BandwidthCap,
		dedupKey:       j.DedupKey,
		runAt:          encodeTime(j.RunAt),
		durationSec:    j.DurationSec,
		filePath:       j.FilePath,
		lastError:      j.LastError,
		lastErrorClass: j.LastErrorClass,
		createdAt:      encodeTime(j.CreatedAt),
		startedAt:      encodeTimePtr(j.StartedAt),
		completedAt:    encodeTimePtr(j.CompletedAt),
		updatedAt:      encodeTime(j.UpdatedAt),
	}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*job.Job, error) {
	var m jobRow
	if err := sc.Scan(
		&m.id, &m.sourceURL, &m.title, &m.uploader, &m.profile, &m.engine,
		&m.priority, &m.state, &m.maxRetries, &m.retryCount,
		&m.bandwidthCap, &m.dedupKey, &m.runAt, &m.durationSec, &m.filePath,
		&m.lastError, &m.lastErrorClass,
		&m.createdAt, &m.startedAt, &m.completedAt, &m.updatedAt,
	); err != nil {
		return nil, err
	}
	return fromRow(&m)
}

func fromRow(m *jobRow) (*job.Job, error) {
	jobID, err := id.ParseJobID(m.id)
	if err != nil {
		return nil, fmt.Errorf("parse id %q: %w", m.id, err)
	}
	runAt, err := decodeTime(m.runAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: run_at: %w", m.id, err)
	}
	createdAt, err := decodeTime(m.createdAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: created_at: %w", m.id, err)
	}
	updatedAt, err := decodeTime(m.updatedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: updated_at: %w", m.id, err)
	}
	startedAt, err := decodeTimePtr(m.startedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: started_at: %w", m.id, err)
	}
	completedAt, err := decodeTimePtr(m.completedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: completed_at: %w", m.id, err)
	}

	return &job.Job{
		ID:             jobID,
		SourceURL:      m.sourceURL,
		Title:          m.title,
		Uploader:       m.uploader,
		Profile:        m.profile,
		Engine:         m.engine,
		Priority:       m.priority,
		State:          job.State(m.state),
		MaxRetries:     m.maxRetries,
		RetryCount:     m.retryCount,
		BandwidthCap:   m.bandwidthCap,
		DedupKey:       m.dedupKey,
		RunAt:          runAt,
		DurationSec:    m.durationSec,
		FilePath:       m.filePath,
		LastError:      m.lastError,
		LastErrorClass: m.lastErrorClass,
		CreatedAt:      createdAt,
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
		UpdatedAt:      updatedAt,
	}, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encodeTime(*t), Valid: true}
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
