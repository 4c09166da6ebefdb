package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the job ledger in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_jobs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			seed BIGINT,
			digest TEXT NOT NULL DEFAULT '',
			params JSONB NOT NULL DEFAULT '{}'::jsonb,
			error TEXT NOT NULL DEFAULT '',
			output_path TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_session_finished ON pipeline_jobs (session_id, finished_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.FinishedAt.IsZero() {
		record.FinishedAt = time.Now().UTC()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = record.FinishedAt
	}
	params := []byte("{}")
	if len(record.Params) > 0 {
		var err error
		if params, err = json.Marshal(record.Params); err != nil {
			return fmt.Errorf("marshal job params: %w", err)
		}
	}
	var seed *int64
	if record.Seed != nil {
		v := int64(*record.Seed)
		seed = &v
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_jobs (id, session_id, kind, status, seed, digest, params, error, output_path, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11)`,
		record.ID,
		record.SessionID,
		string(record.Kind),
		string(record.Status),
		seed,
		record.Digest,
		string(params),
		record.Error,
		record.OutputPath,
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultSessionLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, kind, status, seed, digest, params, error, output_path, started_at, finished_at
		 FROM pipeline_jobs WHERE session_id=$1 ORDER BY finished_at DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	items := make([]Record, 0, limit)
	for rows.Next() {
		var (
			r      Record
			kind   string
			status string
			seed   *int64
			params []byte
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &kind, &status, &seed, &r.Digest, &params, &r.Error, &r.OutputPath, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		r.Kind = Kind(kind)
		r.Status = Status(status)
		if seed != nil {
			v := uint32(*seed)
			r.Seed = &v
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &r.Params); err != nil {
				return nil, fmt.Errorf("decode job params: %w", err)
			}
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM pipeline_jobs WHERE session_id=$1`, sessionID); err != nil {
		return fmt.Errorf("delete session jobs: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
