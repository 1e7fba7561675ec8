// Package postgres provides the Postgres-backed JobStore.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gigradar/scrape-orchestrator/internal/scrape"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// JobStore persists job rows in Postgres. It assumes a table schema like:
//
//	CREATE TABLE scrape_jobs (
//	    id BIGSERIAL PRIMARY KEY,
//	    provider_request_id TEXT UNIQUE,
//	    status TEXT NOT NULL,
//	    payload JSONB NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    submitted_at TIMESTAMPTZ,
//	    completed_at TIMESTAMPTZ,
//	    result_count INT NOT NULL DEFAULT 0,
//	    quality_count INT NOT NULL DEFAULT 0,
//	    results_location TEXT NOT NULL DEFAULT '',
//	    error_message TEXT NOT NULL DEFAULT '',
//	    attempt_count INT NOT NULL DEFAULT 0
//	);
type JobStore struct {
	pool  pgxPool
	table string
}

const jobColumns = `id, provider_request_id, status, payload, created_at, submitted_at,
	completed_at, result_count, quality_count, results_location, error_message, attempt_count`

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "scrape_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool, table: table}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool pgxPool, table string) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "scrape_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database connection.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// CreateJob inserts a queued job row and returns it with its assigned id.
func (s *JobStore) CreateJob(ctx context.Context, payload scrape.Payload, now time.Time) (scrape.Job, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (status, payload, created_at)
VALUES ($1, $2, $3)
RETURNING id`, s.table)

	var id int64
	if err := s.pool.QueryRow(ctx, query, string(scrape.StatusQueued), payloadJSON, now).Scan(&id); err != nil {
		return scrape.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return scrape.Job{
		ID:        id,
		Status:    scrape.StatusQueued,
		CreatedAt: now,
		Payload:   payload,
	}, nil
}

// GetJob fetches a job by its local id.
func (s *JobStore) GetJob(ctx context.Context, id int64) (scrape.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, fmt.Errorf("job %d: %w", id, scrape.ErrJobNotFound)
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// GetJobByProviderRequestID fetches the job matching a provider correlation id.
func (s *JobStore) GetJobByProviderRequestID(ctx context.Context, requestID string) (scrape.Job, error) {
	if requestID == "" {
		return scrape.Job{}, fmt.Errorf("empty provider request id: %w", scrape.ErrJobNotFound)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE provider_request_id = $1`, jobColumns, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, fmt.Errorf("provider request %q: %w", requestID, scrape.ErrJobNotFound)
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("select job by provider request id: %w", err)
	}
	return job, nil
}

// MarkSubmitted records the provider request id and moves queued to
// submitted. The WHERE clause enforces that the request id is set at most
// once and that the transition only happens from queued.
func (s *JobStore) MarkSubmitted(ctx context.Context, id int64, requestID string, now time.Time) (scrape.Job, error) {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, provider_request_id = $3, submitted_at = $4, attempt_count = attempt_count + 1
WHERE id = $1 AND status = $5 AND provider_request_id IS NULL
RETURNING %s`, s.table, jobColumns)

	job, err := scanJob(s.pool.QueryRow(ctx, query,
		id, string(scrape.StatusSubmitted), requestID, now, string(scrape.StatusQueued)))
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, fmt.Errorf("job %d is not queued or already has a request id", id)
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("mark submitted: %w", err)
	}
	return job, nil
}

// MarkProcessing advances submitted to processing; a no-op from any other status.
func (s *JobStore) MarkProcessing(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $2 WHERE id = $1 AND status = $3`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		id, string(scrape.StatusProcessing), string(scrape.StatusSubmitted)); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

// IncrementAttempt bumps the attempt counter after a submission or poll retry.
func (s *JobStore) IncrementAttempt(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`UPDATE %s SET attempt_count = attempt_count + 1 WHERE id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("increment attempt: %w", err)
	}
	return nil
}

// ListStale returns in-flight jobs whose submitted_at is older than the cutoff.
func (s *JobStore) ListStale(ctx context.Context, olderThan time.Time) ([]scrape.Job, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE status = ANY($1) AND submitted_at < $2
ORDER BY submitted_at`, jobColumns, s.table)

	rows, err := s.pool.Query(ctx, query,
		[]string{string(scrape.StatusSubmitted), string(scrape.StatusProcessing)}, olderThan)
	if err != nil {
		return nil, fmt.Errorf("select stale jobs: %w", err)
	}
	defer rows.Close()

	var out []scrape.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale jobs: %w", err)
	}
	return out, nil
}

// FinalizeJob writes the terminal status and outcome fields exactly once.
// The row is re-read under FOR UPDATE so that of two concurrent completion
// signals only the first performs the write; the second observes the
// terminal row and becomes a no-op.
func (s *JobStore) FinalizeJob(
	ctx context.Context,
	id int64,
	outcome scrape.Outcome,
	now time.Time,
) (bool, scrape.Job, error) {
	if !scrape.IsTerminal(outcome.Status) {
		return false, scrape.Job{}, fmt.Errorf("outcome status %q is not terminal", outcome.Status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, scrape.Job{}, fmt.Errorf("begin finalize tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	selectQuery := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, jobColumns, s.table)
	cur, err := scanJob(tx.QueryRow(ctx, selectQuery, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, scrape.Job{}, fmt.Errorf("job %d: %w", id, scrape.ErrJobNotFound)
	}
	if err != nil {
		return false, scrape.Job{}, fmt.Errorf("select job for update: %w", err)
	}

	if scrape.IsTerminal(cur.Status) {
		if err := tx.Commit(ctx); err != nil {
			return false, scrape.Job{}, fmt.Errorf("commit finalize tx: %w", err)
		}
		return false, cur, nil
	}
	if !scrape.IsTransitionAllowed(cur.Status, outcome.Status) {
		return false, scrape.Job{}, fmt.Errorf("transition %s -> %s not allowed for job %d",
			cur.Status, outcome.Status, id)
	}

	// Result metrics are set only on completed jobs; error text only on
	// failed or expired ones. Mirrors the memory store.
	var (
		resultCount     int
		qualityCount    int
		resultsLocation string
		errorMessage    string
	)
	if outcome.Status == scrape.StatusCompleted {
		resultCount = outcome.ResultCount
		qualityCount = outcome.QualityCount
		resultsLocation = outcome.ResultsLocation
	} else {
		errorMessage = outcome.ErrorMessage
	}

	updateQuery := fmt.Sprintf(`
UPDATE %s
SET status = $2, completed_at = $3, result_count = $4, quality_count = $5,
    results_location = $6, error_message = $7
WHERE id = $1`, s.table)

	if _, err := tx.Exec(ctx, updateQuery,
		id, string(outcome.Status), now,
		resultCount, qualityCount,
		resultsLocation, errorMessage); err != nil {
		return false, scrape.Job{}, fmt.Errorf("finalize job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, scrape.Job{}, fmt.Errorf("commit finalize tx: %w", err)
	}

	cur.Status = outcome.Status
	cur.CompletedAt = &now
	cur.ResultCount = resultCount
	cur.QualityCount = qualityCount
	cur.ResultsLocation = resultsLocation
	cur.ErrorMessage = errorMessage
	return true, cur, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (scrape.Job, error) {
	var (
		job               scrape.Job
		providerRequestID *string
		payloadJSON       []byte
		status            string
	)
	err := row.Scan(
		&job.ID,
		&providerRequestID,
		&status,
		&payloadJSON,
		&job.CreatedAt,
		&job.SubmittedAt,
		&job.CompletedAt,
		&job.ResultCount,
		&job.QualityCount,
		&job.ResultsLocation,
		&job.ErrorMessage,
		&job.AttemptCount,
	)
	if err != nil {
		return scrape.Job{}, err
	}
	if providerRequestID != nil {
		job.ProviderRequestID = *providerRequestID
	}
	// A status outside the enum means the row was written by something other
	// than this service; refuse to hand it to the state machine.
	job.Status, err = scrape.ParseStatus(status)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("job %d: %w", job.ID, err)
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return scrape.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return job, nil
}
