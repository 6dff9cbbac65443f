// Package history persists one record per flattening run so operators can
// audit what was produced, when, and from which input. Backends register
// themselves by kind, mirroring the engine registry.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Run statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Config selects a history backend.
//
// Edge cases:
//   - Kind must match a registered backend kind ("sqlite", "postgres",
//     "mssql"). Callers that want no persistence use Nop() instead of Open.
//   - DSN is passed through to the backend factory; validation is
//     backend-specific.
type Config struct {
	Kind string `json:"kind"`
	DSN  string `json:"dsn"`
}

// Record is one flattening run, successful or not.
type Record struct {
	ID          int64
	Table       string
	Source      string
	Destination string
	Status      string
	Error       string
	Rows        int64
	Columns     int
	Indicators  int
	StartedAt   time.Time
	Duration    time.Duration
}

// Store persists run records.
//
// IMPORTANT: This interface is intentionally minimal. Each backend
// implements the semantics in its own idiomatic way (Postgres BIGSERIAL,
// SQLite AUTOINCREMENT with text timestamps, MSSQL IDENTITY).
type Store interface {
	// Close releases backend resources. Treat Close as "call once".
	Close()

	// Init creates the runs table when it does not exist. Idempotent and
	// safe to run on every service start.
	Init(ctx context.Context) error

	// Append persists one run record. The record's ID is ignored.
	Append(ctx context.Context, rec Record) error

	// Recent returns the newest runs, most recent first. A non-empty table
	// filters to runs of that table.
	Recent(ctx context.Context, table string, limit int) ([]Record, error)
}

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a history backend under a kind.
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
		panic("history: Register called with empty kind")
	}
	if f == nil {
		panic("history: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("history: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a Store using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("history: missing history.Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported history.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Nop returns a Store that records nothing, for deployments that run
// without a history database.
func Nop() Store { return nopStore{} }

type nopStore struct{}

func (nopStore) Close() {}

func (nopStore) Init(context.Context) error { return nil }

func (nopStore) Append(context.Context, Record) error { return nil }

func (nopStore) Recent(context.Context, string, int) ([]Record, error) { return nil, nil }
