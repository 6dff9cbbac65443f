// Package engine abstracts the embedded analytical database that executes
// schema introspection, distinct-value discovery, and parquet
// materialization. Backends register themselves by kind; callers select one
// through Config without importing the backend package directly.
package engine

import (
	"context"
	"fmt"
	"sync"

	"flattener/internal/flatten"
)

// Config selects and tunes an engine backend.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - Path empty means a throwaway session database that the backend
//     creates under TempDir and removes on Close.
//   - MemoryLimit and Threads are hints; zero values let the backend apply
//     its own defaults.
type Config struct {
	Kind        string `json:"kind"`
	Path        string `json:"path"`
	TempDir     string `json:"temp_dir"`
	MemoryLimit string `json:"memory_limit"`
	Threads     int    `json:"threads"`
}

// Engine is the SQL surface the flattening pipeline needs. The relation
// argument is a backend relation expression (a quoted table name or a
// reader call such as read_parquet(...)), built by the backend's helpers.
type Engine interface {
	// Close tears down the session and deletes any session-scoped files.
	// Treat Close as "call once".
	Close() error

	// DescribeRelation returns the relation's top-level columns with their
	// type declarations, in relation order.
	DescribeRelation(ctx context.Context, relation string) ([]flatten.Column, error)

	// DistinctArrayValues returns the distinct non-null scalar values found
	// at any position of the array field at path, across all rows.
	DistinctArrayValues(ctx context.Context, relation string, path flatten.FieldPath) ([]string, error)

	// CopyToParquet executes selectSQL and writes the result to destination
	// as a parquet file, returning the number of rows written.
	CopyToParquet(ctx context.Context, selectSQL, destination string) (int64, error)

	// ParquetRelation renders the backend's relation expression for reading
	// a parquet file or glob pattern.
	ParquetRelation(pattern string) string
}

type factory func(ctx context.Context, cfg Config) (Engine, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers an engine backend under a kind (e.g. "duckdb").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This is intentional to fail fast and
//     avoid ambiguous backend selection.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("engine: Register called with empty kind")
	}
	if f == nil {
		panic("engine: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("engine: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs an Engine using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. Open takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Engine, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("engine: missing engine.Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported engine.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
