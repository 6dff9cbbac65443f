package flatten

import (
	"context"
	"fmt"
	"time"
)

// Engine is the slice of the analytical engine the planner consumes.
// internal/engine backends satisfy it; tests inject fakes.
type Engine interface {
	// DescribeRelation returns the relation's column names and type
	// strings, in declared order.
	DescribeRelation(ctx context.Context, rel string) ([]Column, error)

	// DistinctArrayValues returns the stringified distinct scalar values
	// present anywhere in the named array field, nulls excluded. Result
	// order is unspecified.
	DistinctArrayValues(ctx context.Context, rel string, path FieldPath) ([]string, error)

	// CopyToParquet executes selectSQL and writes the result to the
	// destination parquet location, returning the row count.
	CopyToParquet(ctx context.Context, selectSQL, destination string) (int64, error)
}

// Options tunes one planning run.
type Options struct {
	// IgnoreFields drops top-level columns by exact name before walking.
	IgnoreFields []string

	// MaxValueLength caps sanitized indicator value tokens.
	// Zero means DefaultMaxValueLength.
	MaxValueLength int

	// Parallelism bounds concurrent distinct-value queries.
	// Zero means DefaultParallelism.
	Parallelism int

	Log Logger
}

// Planner drives one schema-to-columns computation per call. Each call
// owns its own schema tree, sanitizer namespace, and manifest; Planner
// itself holds no per-run state, so concurrent calls for different
// sources are safe.
type Planner struct {
	eng  Engine
	opts Options
}

// NewPlanner wires a planner to an engine.
func NewPlanner(eng Engine, opts Options) *Planner {
	if opts.Log == nil {
		opts.Log = nopLogger{}
	}
	return &Planner{eng: eng, opts: opts}
}

// Plan computes the flattened column manifest and statement for source,
// without executing anything beyond the read-only distinct-value queries.
func (p *Planner) Plan(ctx context.Context, source, destination string) (Statement, error) {
	st, _, err := p.plan(ctx, source, destination)
	return st, err
}

// PlanSchema computes the manifest from an already-known column list, for
// callers that obtained the schema elsewhere (e.g. a data dictionary).
// Array expansion still queries the engine against source.
func (p *Planner) PlanSchema(ctx context.Context, cols []Column, source, destination string) (Statement, error) {
	root, err := ParseColumns(dropIgnored(cols, p.opts.IgnoreFields))
	if err != nil {
		return Statement{}, err
	}
	st, _, err := p.planTree(ctx, root, source, destination)
	return st, err
}

func (p *Planner) plan(ctx context.Context, source, destination string) (Statement, int, error) {
	cols, err := p.eng.DescribeRelation(ctx, source)
	if err != nil {
		return Statement{}, 0, fmt.Errorf("describe %s: %w", source, err)
	}
	root, err := ParseColumns(dropIgnored(cols, p.opts.IgnoreFields))
	if err != nil {
		return Statement{}, 0, err
	}
	return p.planTree(ctx, root, source, destination)
}

// planTree walks the tree, assigns aliases in traversal order, expands
// arrays, and assembles the manifest. Returns the number of array fields
// that contributed indicator columns.
func (p *Planner) planTree(ctx context.Context, root *Node, source, destination string) (Statement, int, error) {
	fields := Walk(root)

	san := NewSanitizer(p.opts.MaxValueLength)
	var plain []PlainField
	var arrays []ArrayField
	for _, f := range fields {
		alias := san.Field(f.Path)
		switch f.Kind {
		case KindArray:
			arrays = append(arrays, ArrayField{Path: f.Path, Alias: alias})
		default:
			plain = append(plain, PlainField{Path: f.Path, Alias: alias})
		}
	}

	var groups []Group
	if len(arrays) > 0 {
		exp := &Expander{
			Disc:        relationDiscoverer{eng: p.eng, rel: source},
			San:         san,
			Parallelism: p.opts.Parallelism,
			Log:         p.opts.Log,
		}
		var err error
		groups, err = exp.Expand(ctx, arrays)
		if err != nil {
			return Statement{}, 0, err
		}
	}

	st := Assemble(plain, groups, source, destination)
	p.opts.Log.Printf("planned %d columns (%d plain, %d indicators across %d arrays) for %s",
		len(st.Columns), len(plain), len(st.Columns)-len(plain), len(groups), source)
	return st, len(groups), nil
}

// Result summarizes one executed flatten run.
type Result struct {
	Rows       int64
	Columns    int
	Plain      int
	Indicators int
	Arrays     int
	Duration   time.Duration
}

// Flatten plans source and materializes the result at destination through
// the engine. Either the whole run succeeds or it fails with no output.
func (p *Planner) Flatten(ctx context.Context, source, destination string) (Result, error) {
	start := time.Now()

	st, arrays, err := p.plan(ctx, source, destination)
	if err != nil {
		return Result{}, err
	}
	if len(st.Columns) == 0 {
		return Result{}, fmt.Errorf("flatten %s: schema produced no output columns", source)
	}

	rows, err := p.eng.CopyToParquet(ctx, st.SQL(), st.Destination)
	if err != nil {
		return Result{}, fmt.Errorf("materialize %s: %w", destination, err)
	}

	res := Result{
		Rows:     rows,
		Columns:  len(st.Columns),
		Arrays:   arrays,
		Duration: time.Since(start),
	}
	for _, c := range st.Columns {
		if c.Kind == ColumnIndicator {
			res.Indicators++
		} else {
			res.Plain++
		}
	}
	return res, nil
}

// relationDiscoverer binds the engine's distinct-value query to one
// relation, satisfying the expander's capability interface.
type relationDiscoverer struct {
	eng Engine
	rel string
}

func (d relationDiscoverer) DistinctValues(ctx context.Context, path FieldPath) ([]string, error) {
	return d.eng.DistinctArrayValues(ctx, d.rel, path)
}

func dropIgnored(cols []Column, ignore []string) []Column {
	if len(ignore) == 0 {
		return cols
	}
	skip := make(map[string]bool, len(ignore))
	for _, n := range ignore {
		skip[n] = true
	}
	out := cols[:0:0]
	for _, c := range cols {
		if skip[c.Name] {
			continue
		}
		out = append(out, c)
	}
	return out
}
