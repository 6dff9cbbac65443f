package flatten

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Logger is the minimal logging surface this package needs. *log.Logger
// satisfies it; tests can capture output with their own implementation.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Discoverer executes the one data-level query the core needs: the set of
// distinct scalar values appearing anywhere in the named array field,
// across all rows and all positions. It is an injected collaborator
// (normally the embedded analytical engine) so tests can substitute an
// in-memory fake.
type Discoverer interface {
	DistinctValues(ctx context.Context, path FieldPath) ([]string, error)
}

// DiscovererFunc adapts a function to the Discoverer interface.
type DiscovererFunc func(ctx context.Context, path FieldPath) ([]string, error)

func (f DiscovererFunc) DistinctValues(ctx context.Context, path FieldPath) ([]string, error) {
	return f(ctx, path)
}

// DiscoveryError reports a failed distinct-value query for one array
// field. The whole invocation fails; proceeding with a partial value set
// would silently desynchronize the output schema from the data.
type DiscoveryError struct {
	Path FieldPath
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover distinct values for %s: %v", e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// ArrayField is an array-typed walker emission paired with the flattened
// alias the sanitizer assigned to it.
type ArrayField struct {
	Path  FieldPath
	Alias string
}

// IndicatorSpec describes one derived binary column: alias
// "<field alias>_D_<sanitized value>", testing whether the row's array at
// Path contains Value.
type IndicatorSpec struct {
	Path  FieldPath
	Value string
	Alias string
}

// Group collects the indicator columns of one array field, in the
// deterministic value order.
type Group struct {
	Path       FieldPath
	FieldAlias string
	Indicators []IndicatorSpec
}

// Expander turns array fields into indicator column groups.
//
// Discovery queries for independent fields have no ordering dependency on
// each other, so they run concurrently, bounded by Parallelism. Concurrency
// affects only when the queries run: values are sorted and aliases assigned
// in a single sequential pass afterwards, so the emitted order and names
// are identical across runs.
type Expander struct {
	Disc Discoverer
	San  *Sanitizer

	// Parallelism bounds concurrent discovery queries. Zero or negative
	// means DefaultParallelism.
	Parallelism int

	Log Logger
}

// DefaultParallelism bounds concurrent distinct-value queries when the
// caller does not choose a limit.
const DefaultParallelism = 4

// Expand discovers distinct values for every field and produces one Group
// per field that has any. Fields whose distinct set is empty contribute no
// group and no columns; callers must tolerate arrays disappearing from the
// output when the data never populates them.
//
// Any discovery failure, including cancellation and timeouts, aborts the
// whole expansion with a *DiscoveryError naming the field.
func (e *Expander) Expand(ctx context.Context, fields []ArrayField) ([]Group, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	log := e.Log
	if log == nil {
		log = nopLogger{}
	}
	limit := e.Parallelism
	if limit <= 0 {
		limit = DefaultParallelism
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([][]string, len(fields))
	done := make([]bool, len(fields))

	sem := make(chan struct{}, limit)
	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	for i := range fields {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			vals, err := e.Disc.DistinctValues(ctx, fields[i].Path)
			if err != nil {
				select {
				case errCh <- &DiscoveryError{Path: fields[i].Path, Err: err}:
				default:
				}
				cancel()
				return
			}
			results[i] = vals
			done[i] = true
		}(i)
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return nil, err
	default:
	}
	for i := range fields {
		if !done[i] {
			// Cancelled before this field's query finished. Report it
			// rather than emit an incomplete indicator set.
			return nil, &DiscoveryError{Path: fields[i].Path, Err: ctx.Err()}
		}
	}

	// Sequential naming pass: dedupe, sort, sanitize, register aliases.
	groups := make([]Group, 0, len(fields))
	for i, f := range fields {
		vals := dedupeStrings(results[i])
		sort.Strings(vals)
		if len(vals) == 0 {
			log.Printf("array field %s has no values; emitting no indicator columns", f.Path)
			continue
		}

		g := Group{Path: f.Path, FieldAlias: f.Alias, Indicators: make([]IndicatorSpec, 0, len(vals))}
		for _, v := range vals {
			g.Indicators = append(g.Indicators, IndicatorSpec{
				Path:  f.Path,
				Value: v,
				Alias: e.San.Unique(f.Alias + "_D_" + e.San.Value(v)),
			})
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func dedupeStrings(in []string) []string {
	if len(in) < 2 {
		return append([]string(nil), in...)
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
