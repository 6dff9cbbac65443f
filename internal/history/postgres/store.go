package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"flattener/internal/history"
)

// Store implements history.Store for Postgres on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Postgres-backed Store.
func New(ctx context.Context, cfg history.Config) (history.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const createSQL = `CREATE TABLE IF NOT EXISTS flatten_runs (
  id BIGSERIAL PRIMARY KEY,
  table_name TEXT NOT NULL,
  source TEXT NOT NULL,
  destination TEXT NOT NULL,
  status TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  row_count BIGINT NOT NULL,
  column_count INT NOT NULL,
  indicator_count INT NOT NULL,
  started_at TIMESTAMPTZ NOT NULL,
  duration_ms BIGINT NOT NULL
);`

func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("create table flatten_runs: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, rec history.Record) error {
	q, args := buildAppendSQL(rec)
	if _, err := s.pool.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("append run for %s: %w", rec.Table, err)
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, table string, limit int) ([]history.Record, error) {
	q, args := buildRecentSQL(table, limit)
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []history.Record
	for rows.Next() {
		var rec history.Record
		var durMS int64
		if err := rows.Scan(
			&rec.ID, &rec.Table, &rec.Source, &rec.Destination,
			&rec.Status, &rec.Error,
			&rec.Rows, &rec.Columns, &rec.Indicators,
			&rec.StartedAt, &durMS,
		); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func buildAppendSQL(rec history.Record) (string, []any) {
	q := `INSERT INTO flatten_runs
  (table_name, source, destination, status, error, row_count, column_count, indicator_count, started_at, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	args := []any{
		rec.Table, rec.Source, rec.Destination, rec.Status, rec.Error,
		rec.Rows, rec.Columns, rec.Indicators,
		rec.StartedAt.UTC(), rec.Duration.Milliseconds(),
	}
	return q, args
}

func buildRecentSQL(table string, limit int) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, table_name, source, destination, status, error, row_count, column_count, indicator_count, started_at, duration_ms FROM flatten_runs`)

	var args []any
	if table != "" {
		b.WriteString(" WHERE table_name = $1 ORDER BY id DESC LIMIT $2")
		args = append(args, table, limit)
		return b.String(), args
	}
	b.WriteString(" ORDER BY id DESC LIMIT $1")
	args = append(args, limit)
	return b.String(), args
}
