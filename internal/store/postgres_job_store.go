package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/snappy/internal/domain"
	_ "github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS render_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	source_key TEXT NOT NULL,
	params JSONB NOT NULL DEFAULT '{}'::jsonb,
	webhook_url TEXT NOT NULL DEFAULT '',
	output_key TEXT NOT NULL DEFAULT '',
	plan TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	usage JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS render_jobs_status_idx ON render_jobs (status);
`

const selectJobSQL = `SELECT id, status, source_key, params, webhook_url, output_key, plan, error, usage, created_at, updated_at
	FROM render_jobs`

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

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure render_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.RenderJob) error {
	params, err := marshalParams(job.Params)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO render_jobs (id, status, source_key, params, webhook_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID,
		job.Status,
		job.SourceKey,
		params,
		job.WebhookURL,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert render job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.RenderJob, bool, error) {
	return s.get(ctx, s.db, id, false)
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.RenderJob, error) {
	return s.transition(ctx, id, func(job *domain.RenderJob) error {
		if err := checkTransition(job.Status, status); err != nil {
			return err
		}
		job.Status = status
		return nil
	})
}

func (s *PostgresJobStore) Finish(ctx context.Context, id string, outcome domain.RenderOutcome) (domain.RenderJob, error) {
	if err := checkOutcome(outcome); err != nil {
		return domain.RenderJob{}, err
	}
	return s.transition(ctx, id, func(job *domain.RenderJob) error {
		if err := checkTransition(job.Status, outcome.Status); err != nil {
			return err
		}
		job.Status = outcome.Status
		job.OutputKey = outcome.OutputKey
		job.Plan = outcome.Plan
		job.Error = outcome.Error
		job.Usage = outcome.Usage
		return nil
	})
}

// transition locks the row, applies mutate and writes the mutable columns
// back in one transaction.
func (s *PostgresJobStore) transition(ctx context.Context, id string, mutate func(*domain.RenderJob) error) (domain.RenderJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.RenderJob{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, ok, err := s.get(ctx, tx, id, true)
	if err != nil {
		return domain.RenderJob{}, err
	}
	if !ok {
		return domain.RenderJob{}, ErrJobNotFound
	}
	if err := mutate(&job); err != nil {
		return domain.RenderJob{}, err
	}
	job.UpdatedAt = time.Now().UTC()

	usage, err := marshalUsage(job.Usage)
	if err != nil {
		return domain.RenderJob{}, err
	}
	_, err = tx.ExecContext(
		ctx,
		`UPDATE render_jobs
		 SET status = $1, output_key = $2, plan = $3, error = $4, usage = $5, updated_at = $6
		 WHERE id = $7`,
		job.Status,
		job.OutputKey,
		job.Plan,
		job.Error,
		usage,
		job.UpdatedAt,
		id,
	)
	if err != nil {
		return domain.RenderJob{}, fmt.Errorf("update render job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.RenderJob{}, fmt.Errorf("commit render job: %w", err)
	}
	return job, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresJobStore) get(ctx context.Context, q queryer, id string, forUpdate bool) (domain.RenderJob, bool, error) {
	query := selectJobSQL + ` WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		job       domain.RenderJob
		params    []byte
		usageJSON []byte
	)
	if err := q.QueryRowContext(ctx, query, id).Scan(
		&job.ID,
		&job.Status,
		&job.SourceKey,
		&params,
		&job.WebhookURL,
		&job.OutputKey,
		&job.Plan,
		&job.Error,
		&usageJSON,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RenderJob{}, false, nil
		}
		return domain.RenderJob{}, false, fmt.Errorf("query render job: %w", err)
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return domain.RenderJob{}, false, fmt.Errorf("unmarshal render job params: %w", err)
		}
	}
	if len(usageJSON) > 0 {
		job.Usage = &domain.RenderUsage{}
		if err := json.Unmarshal(usageJSON, job.Usage); err != nil {
			return domain.RenderJob{}, false, fmt.Errorf("unmarshal render job usage: %w", err)
		}
	}
	return job, true, nil
}

// JSON columns are sent as strings; lib/pq encodes []byte as bytea.
func marshalParams(params map[string]string) (string, error) {
	if params == nil {
		params = map[string]string{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal render job params: %w", err)
	}
	return string(body), nil
}

func marshalUsage(usage *domain.RenderUsage) (any, error) {
	if usage == nil {
		return nil, nil
	}
	body, err := json.Marshal(usage)
	if err != nil {
		return nil, fmt.Errorf("marshal render job usage: %w", err)
	}
	return string(body), nil
}
