package duckdb

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"flattener/internal/engine"
	"flattener/internal/flatten"
)

// Session defaults, matching how the service has always tuned its embedded
// sessions: bounded memory with disk spill, insertion order released so the
// optimizer can parallelize freely.
const (
	defaultMemoryLimit = "10GB"
	defaultThreads     = 4
)

// Session implements engine.Engine on an embedded DuckDB database.
//
// Key design points:
//   - Each Session owns one database file. With Config.Path empty the file
//     is session-scoped: a random name under TempDir, deleted on Close, so
//     concurrent sessions never contend on a catalog.
//   - Larger-than-memory work spills to temp_directory instead of failing,
//     which matters when flattening wide parquet inputs.
type Session struct {
	db     *sql.DB
	path   string
	remove bool
}

// New opens a DuckDB session per cfg. Registered under kind "duckdb".
func New(ctx context.Context, cfg engine.Config) (engine.Engine, error) {
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	path := cfg.Path
	remove := false
	if path == "" {
		p, err := sessionPath(tempDir)
		if err != nil {
			return nil, fmt.Errorf("duckdb: session path: %w", err)
		}
		path, remove = p, true
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	for _, stmt := range buildSessionSQL(tempDir, cfg.MemoryLimit, cfg.Threads) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("duckdb: %s: %w", stmt, err)
		}
	}

	return &Session{db: db, path: path, remove: remove}, nil
}

// Close releases the connection and deletes session-scoped database files.
func (s *Session) Close() error {
	err := s.db.Close()
	if s.remove {
		_ = os.Remove(s.path)
		_ = os.Remove(s.path + ".wal")
	}
	return err
}

// DescribeRelation returns the relation's top-level columns in declaration
// order, with DuckDB's full type text (STRUCT(...), VARCHAR[], ...).
func (s *Session) DescribeRelation(ctx context.Context, relation string) ([]flatten.Column, error) {
	rows, err := s.db.QueryContext(ctx, buildDescribeSQL(relation))
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", relation, err)
	}
	defer rows.Close()

	var cols []flatten.Column
	for rows.Next() {
		var c flatten.Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// DistinctArrayValues unnests the array field at path across every row and
// returns its distinct values as strings. NULL elements are excluded; they
// have no representable indicator column.
func (s *Session) DistinctArrayValues(ctx context.Context, relation string, path flatten.FieldPath) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, buildDistinctSQL(relation, path))
	if err != nil {
		return nil, fmt.Errorf("distinct values of %s in %s: %w", path, relation, err)
	}
	defer rows.Close()

	var vals []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, rows.Err()
}

// CopyToParquet materializes selectSQL at destination. DuckDB's COPY
// returns the written row count as its result set.
func (s *Session) CopyToParquet(ctx context.Context, selectSQL, destination string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, buildCopySQL(selectSQL, destination)).Scan(&n); err != nil {
		return 0, fmt.Errorf("copy to %s: %w", destination, err)
	}
	return n, nil
}

// ParquetRelation implements engine.Engine's relation rendering.
func (s *Session) ParquetRelation(pattern string) string {
	return ParquetRelation(pattern)
}

// TableRelation quotes a catalog table name for use as a relation.
func TableRelation(table string) string {
	return sqlIdent(table)
}

// ParquetRelation returns a relation reading one parquet file or glob.
func ParquetRelation(pattern string) string {
	return "read_parquet(" + sqlLit(pattern) + ")"
}

func sessionPath(dir string) (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("flattener-%x.duckdb", b)), nil
}

func buildSessionSQL(tempDir, memoryLimit string, threads int) []string {
	if memoryLimit == "" {
		memoryLimit = defaultMemoryLimit
	}
	if threads <= 0 {
		threads = defaultThreads
	}
	return []string{
		"SET temp_directory=" + sqlLit(tempDir),
		"SET memory_limit=" + sqlLit(memoryLimit),
		"SET max_memory=" + sqlLit(memoryLimit),
		"SET preserve_insertion_order='false'",
		"SET threads=" + strconv.Itoa(threads),
	}
}

func buildDescribeSQL(relation string) string {
	return "SELECT column_name, column_type FROM (DESCRIBE SELECT * FROM " + relation + ")"
}

func buildDistinctSQL(relation string, path flatten.FieldPath) string {
	return "SELECT DISTINCT CAST(v AS VARCHAR) FROM (SELECT unnest(" + path.Accessor() +
		") AS v FROM " + relation + ") WHERE v IS NOT NULL"
}

func buildCopySQL(selectSQL, destination string) string {
	return "COPY (" + selectSQL + ") TO " + sqlLit(destination) + " (FORMAT 'parquet', COMPRESSION 'zstd')"
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqlLit(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}
