// Package postgres projects applied job records into a PostgreSQL table for reporting.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ChuLiYu/raft-jobdist/internal/storage"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// Config holds PostgreSQL connection configuration
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id          TEXT PRIMARY KEY,
	project_id      TEXT NOT NULL,
	author_id       TEXT NOT NULL,
	method_id       BIGINT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	assigned_worker TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL DEFAULT 0,
	input           BYTEA,
	output          BYTEA,
	fail_reason     TEXT,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	cancelled       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at_ms   BIGINT NOT NULL,
	updated_at_ms   BIGINT NOT NULL,
	last_index      BIGINT NOT NULL
)`

const upsertJob = `
INSERT INTO jobs (job_id, project_id, author_id, method_id, priority, status, assigned_worker,
	attempts, input, output, fail_reason, retry_count, cancelled, created_at_ms, updated_at_ms, last_index)
VALUES (:job_id, :project_id, :author_id, :method_id, :priority, :status, :assigned_worker,
	:attempts, :input, :output, :fail_reason, :retry_count, :cancelled, :created_at_ms, :updated_at_ms, :last_index)
ON CONFLICT (job_id) DO UPDATE SET
	status = EXCLUDED.status,
	assigned_worker = EXCLUDED.assigned_worker,
	attempts = EXCLUDED.attempts,
	output = EXCLUDED.output,
	fail_reason = EXCLUDED.fail_reason,
	retry_count = EXCLUDED.retry_count,
	cancelled = EXCLUDED.cancelled,
	updated_at_ms = EXCLUDED.updated_at_ms,
	last_index = EXCLUDED.last_index
WHERE jobs.last_index < EXCLUDED.last_index`

// jobRow is the table shape of a job.
type jobRow struct {
	JobID          string         `db:"job_id"`
	ProjectID      string         `db:"project_id"`
	AuthorID       string         `db:"author_id"`
	MethodID       int64          `db:"method_id"`
	Priority       int            `db:"priority"`
	Status         string         `db:"status"`
	AssignedWorker string         `db:"assigned_worker"`
	Attempts       int            `db:"attempts"`
	Input          []byte         `db:"input"`
	Output         []byte         `db:"output"`
	FailReason     sql.NullString `db:"fail_reason"`
	RetryCount     int            `db:"retry_count"`
	Cancelled      bool           `db:"cancelled"`
	CreatedAtMs    int64          `db:"created_at_ms"`
	UpdatedAtMs    int64          `db:"updated_at_ms"`
	LastIndex      int64          `db:"last_index"`
}

func toRow(job *types.Job, failed *types.FailedJob) jobRow {
	row := jobRow{
		JobID:          string(job.ID),
		ProjectID:      job.ProjectID,
		AuthorID:       job.AuthorID,
		MethodID:       int64(job.MethodID),
		Priority:       job.Priority,
		Status:         string(job.Status),
		AssignedWorker: job.AssignedWorker,
		Attempts:       job.Attempts,
		Input:          job.Input,
		Output:         job.Output,
		CreatedAtMs:    job.CreatedAt,
		UpdatedAtMs:    job.UpdatedAt,
		LastIndex:      job.LastIndex,
	}
	if failed != nil {
		row.FailReason = sql.NullString{String: failed.Reason, Valid: true}
		row.RetryCount = failed.RetryCount
		row.Cancelled = failed.Cancelled
	}
	return row
}

func (r jobRow) toJob() (*types.Job, *types.FailedJob) {
	job := &types.Job{
		ID:             types.JobID(r.JobID),
		ProjectID:      r.ProjectID,
		AuthorID:       r.AuthorID,
		MethodID:       uint32(r.MethodID),
		Priority:       r.Priority,
		Status:         types.JobStatus(r.Status),
		AssignedWorker: r.AssignedWorker,
		Attempts:       r.Attempts,
		Input:          r.Input,
		Output:         r.Output,
		CreatedAt:      r.CreatedAtMs,
		UpdatedAt:      r.UpdatedAtMs,
		LastIndex:      r.LastIndex,
	}
	var failed *types.FailedJob
	if r.FailReason.Valid {
		failed = &types.FailedJob{
			JobID:      job.ID,
			Reason:     r.FailReason.String,
			RetryCount: r.RetryCount,
			Cancelled:  r.Cancelled,
			FailedAt:   r.UpdatedAtMs,
		}
	}
	return job, failed
}

// Store writes job records into PostgreSQL
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ storage.JobIndex = (*Store)(nil)

// NewStore connects, tunes the pool and creates the table if needed
func NewStore(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "postgres")

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create jobs table: %w", err)
	}

	logger.Info("Connected to PostgreSQL", slog.Int("max_open_conns", cfg.MaxOpenConns))
	return &Store{db: db, logger: logger}, nil
}

// PutJob upserts a job. Rows only move forward in log order.
func (s *Store) PutJob(ctx context.Context, job *types.Job, failed *types.FailedJob) error {
	if _, err := s.db.NamedExecContext(ctx, upsertJob, toRow(job, failed)); err != nil {
		return fmt.Errorf("failed to upsert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob reads a job row back
func (s *Store) GetJob(ctx context.Context, id types.JobID) (*types.Job, *types.FailedJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE job_id = $1`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get job: %w", err)
	}
	job, failed := row.toJob()
	return job, failed, nil
}

// CountByStatus returns job counts grouped by status
func (s *Store) CountByStatus(ctx context.Context) (map[types.JobStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	out := make(map[types.JobStatus]int, len(rows))
	for _, r := range rows {
		out[types.JobStatus(r.Status)] = r.N
	}
	return out, nil
}

// HealthCheck pings the database
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *Store) Close() error {
	s.logger.Info("Closing PostgreSQL connection")
	return s.db.Close()
}
