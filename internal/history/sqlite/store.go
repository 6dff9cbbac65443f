package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"flattener/internal/history"
)

// Store implements history.Store for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native TIMESTAMPTZ type; modernc.org/sqlite stores
//     timestamps with TEXT affinity. This store writes RFC3339Nano strings
//     for reliable round-trip behavior and easy debugging.
//   - Durations are stored as integer milliseconds for the same reason.
type Store struct {
	db *sql.DB
}

func init() {
	history.Register("sqlite", New)
}

func New(ctx context.Context, cfg history.Config) (history.Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("create table flatten_runs: %w", err)
	}
	return nil
}

const createSQL = `CREATE TABLE IF NOT EXISTS flatten_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  table_name TEXT NOT NULL,
  source TEXT NOT NULL,
  destination TEXT NOT NULL,
  status TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  row_count INTEGER NOT NULL,
  column_count INTEGER NOT NULL,
  indicator_count INTEGER NOT NULL,
  started_at TEXT NOT NULL,
  duration_ms INTEGER NOT NULL
);`

func (s *Store) Append(ctx context.Context, rec history.Record) error {
	q, args := buildAppendSQL(rec)
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("append run for %s: %w", rec.Table, err)
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
		var startedRaw string
		var durMS int64
		if err := rows.Scan(
			&rec.ID, &rec.Table, &rec.Source, &rec.Destination,
			&rec.Status, &rec.Error,
			&rec.Rows, &rec.Columns, &rec.Indicators,
			&startedRaw, &durMS,
		); err != nil {
			return nil, err
		}
		started, err := parseSQLiteTime(startedRaw)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse flatten_runs.started_at=%q: %w", startedRaw, err)
		}
		rec.StartedAt = started
		rec.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func buildAppendSQL(rec history.Record) (string, []any) {
	q := `INSERT INTO flatten_runs
  (table_name, source, destination, status, error, row_count, column_count, indicator_count, started_at, duration_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		rec.Table, rec.Source, rec.Destination, rec.Status, rec.Error,
		rec.Rows, rec.Columns, rec.Indicators,
		formatSQLiteTime(rec.StartedAt), rec.Duration.Milliseconds(),
	}
	return q, args
}

func buildRecentSQL(table string, limit int) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, table_name, source, destination, status, error, row_count, column_count, indicator_count, started_at, duration_ms FROM flatten_runs`)

	var args []any
	if table != "" {
		b.WriteString(" WHERE table_name = ?")
		args = append(args, table)
	}
	b.WriteString(" ORDER BY id DESC LIMIT ?")
	args = append(args, limit)
	return b.String(), args
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime parses timestamps returned by SQLite.
//
// Supported formats:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - "2006-01-02 15:04:05" (interpreted as UTC, for rows written by other tools)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
