package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"flattener/internal/history"
)

// Store implements history.Store for Microsoft SQL Server.
//
// T-SQL has no CREATE TABLE IF NOT EXISTS, so Init wraps the CREATE in an
// OBJECT_ID guard to stay idempotent across service restarts.
type Store struct {
	db *sql.DB
}

func init() {
	history.Register("mssql", New)
}

// New constructs a Store using database/sql and the "sqlserver" driver.
// Connectivity is validated via PingContext.
func New(ctx context.Context, cfg history.Config) (history.Store, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// The audit store sees one write per run; keep the pool small.
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

const createSQL = `IF OBJECT_ID(N'flatten_runs', N'U') IS NULL BEGIN CREATE TABLE flatten_runs (
  id BIGINT IDENTITY(1,1) PRIMARY KEY,
  table_name NVARCHAR(512) NOT NULL,
  source NVARCHAR(2048) NOT NULL,
  destination NVARCHAR(2048) NOT NULL,
  status NVARCHAR(16) NOT NULL,
  error NVARCHAR(MAX) NOT NULL DEFAULT '',
  row_count BIGINT NOT NULL,
  column_count INT NOT NULL,
  indicator_count INT NOT NULL,
  started_at DATETIMEOFFSET NOT NULL,
  duration_ms BIGINT NOT NULL
); END;`

func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("mssql: create table flatten_runs: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, rec history.Record) error {
	q, args := buildAppendSQL(rec)
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("mssql: append run for %s: %w", rec.Table, err)
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, table string, limit int) ([]history.Record, error) {
	q, args := buildRecentSQL(table, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
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
		rec.StartedAt = rec.StartedAt.UTC()
		rec.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func buildAppendSQL(rec history.Record) (string, []any) {
	q := `INSERT INTO flatten_runs
  (table_name, source, destination, status, error, row_count, column_count, indicator_count, started_at, duration_ms)
VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10)`
	args := []any{
		rec.Table, rec.Source, rec.Destination, rec.Status, rec.Error,
		rec.Rows, rec.Columns, rec.Indicators,
		rec.StartedAt.UTC(), rec.Duration.Milliseconds(),
	}
	return q, args
}

func buildRecentSQL(table string, limit int) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT TOP (@p1) id, table_name, source, destination, status, error, row_count, column_count, indicator_count, started_at, duration_ms FROM flatten_runs`)

	args := []any{limit}
	if table != "" {
		b.WriteString(" WHERE table_name = @p2")
		args = append(args, table)
	}
	b.WriteString(" ORDER BY id DESC")
	return b.String(), args
}
