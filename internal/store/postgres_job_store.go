package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/viewflow/internal/domain"
	_ "github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL,
	views JSONB NOT NULL,
	outputs JSONB NOT NULL DEFAULT '[]'::jsonb,
	error TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

ALTER TABLE jobs ADD COLUMN IF NOT EXISTS attempts INTEGER NOT NULL DEFAULT 0;

CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	views_rendered INTEGER NOT NULL,
	pixels_rendered BIGINT NOT NULL,
	tensor_bytes BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS usage_logs_user_id_idx ON usage_logs (user_id, created_at);
`

// jobColumns is the column order scanJob expects.
const jobColumns = `id, user_id, status, source_type, webhook_url, object_key, views, outputs, error, attempts, created_at, updated_at`

// PostgresJobStore keeps jobs and usage rows in Postgres. Views and outputs are stored as JSONB.
type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresJobStore{db: db}, nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	views, err := jsonColumn(job.Views, "views")
	if err != nil {
		return err
	}
	outputs, err := jsonColumn(nonNilOutputs(job.Outputs), "outputs")
	if err != nil {
		return err
	}

	const q = `INSERT INTO jobs (` + jobColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if _, err := s.db.ExecContext(ctx, q,
		job.ID, job.UserID, job.Status, job.SourceType, job.WebhookURL, job.ObjectKey,
		views, outputs, job.Error, job.Attempts, job.CreatedAt, job.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.Job{}, false, nil
	case err != nil:
		return domain.Job{}, false, fmt.Errorf("query job %s: %w", id, err)
	}
	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1 RETURNING `+jobColumns,
		id, status, time.Now().UTC(),
	)
	return returned(row, id, "update job status")
}

func (s *PostgresJobStore) MarkQueued(ctx context.Context, id string, attempt int) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = $2, attempts = $3, error = '', updated_at = $4 WHERE id = $1 RETURNING `+jobColumns,
		id, domain.JobStatusQueued, attempt, time.Now().UTC(),
	)
	return returned(row, id, "mark job queued")
}

func (s *PostgresJobStore) Finish(ctx context.Context, id, status string, outputs []domain.ViewOutput, failure string) (domain.Job, error) {
	encoded, err := jsonColumn(nonNilOutputs(outputs), "outputs")
	if err != nil {
		return domain.Job{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = $2, outputs = $3, error = $4, updated_at = $5 WHERE id = $1 RETURNING `+jobColumns,
		id, status, encoded, failure, time.Now().UTC(),
	)
	return returned(row, id, "finish job")
}

func (s *PostgresJobStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO usage_logs (user_id, job_id, views_rendered, pixels_rendered, tensor_bytes, compute_time_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := s.db.ExecContext(ctx, q,
		usage.UserID, usage.JobID, usage.ViewsRendered, usage.PixelsRendered,
		usage.TensorBytes, usage.ComputeTimeMS, usage.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert usage log for job %s: %w", usage.JobID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job            domain.Job
		views, outputs []byte
	)
	if err := row.Scan(
		&job.ID, &job.UserID, &job.Status, &job.SourceType, &job.WebhookURL, &job.ObjectKey,
		&views, &outputs, &job.Error, &job.Attempts, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}
	if err := json.Unmarshal(views, &job.Views); err != nil {
		return domain.Job{}, fmt.Errorf("decode views column: %w", err)
	}
	if err := json.Unmarshal(outputs, &job.Outputs); err != nil {
		return domain.Job{}, fmt.Errorf("decode outputs column: %w", err)
	}
	return job, nil
}

// returned scans the row of an UPDATE ... RETURNING, mapping no rows to ErrJobNotFound.
func returned(row rowScanner, id, op string) (domain.Job, error) {
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("%s %s: %w", op, id, err)
	}
	return job, nil
}

func jsonColumn(v any, name string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s column: %w", name, err)
	}
	return data, nil
}

func nonNilOutputs(outputs []domain.ViewOutput) []domain.ViewOutput {
	if outputs == nil {
		return []domain.ViewOutput{}
	}
	return outputs
}
