package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"flattener/internal/dictionary"
	"flattener/internal/engine"
	"flattener/internal/flatten"
	"flattener/internal/history"
	"flattener/internal/metrics"
	"flattener/internal/probe"
)

// SourceGlob returns the conventional parquet layout for a table under a
// base prefix: <base>/<table>/<table>*.parquet.
func SourceGlob(bucket, table string) string {
	return strings.TrimRight(bucket, "/") + "/" + table + "/" + table + "*.parquet"
}

// FlattenedDestination returns where a table's flattened output lands. The
// file sits in a sibling directory of the source data, so a rerun's source
// glob never matches its own previous output.
func FlattenedDestination(bucket, table string) string {
	return strings.TrimRight(bucket, "/") + "/" + table + "_flattened/" + table + "_flattened.parquet"
}

// Runner executes flatten requests end to end: probe the source, open a
// fresh engine session, plan, materialize, record the run. Each call owns
// its own session, so concurrent requests never share engine state.
type Runner struct {
	Engine  engine.Config
	Options flatten.Options
	History history.Store
	Rules   dictionary.Rules
	Log     Logger

	// Test seams. Zero values select the production implementations.
	openEngine func(ctx context.Context, cfg engine.Config) (engine.Engine, error)
	probeGlob  func(ctx context.Context, pattern string) (probe.Diagnosis, error)
	loadDict   func(ctx context.Context, ref string) (string, error)
	now        func() time.Time
}

// FlattenTable plans and materializes one table's parquet files, recording
// the run in history and metrics whether it succeeds or fails.
func (r *Runner) FlattenTable(ctx context.Context, bucket, table string) (flatten.Result, error) {
	started := r.clock()
	glob := SourceGlob(bucket, table)
	dest := FlattenedDestination(bucket, table)

	res, err := r.flatten(ctx, glob, dest)
	r.record(ctx, table, glob, dest, res, err, started)
	return res, err
}

func (r *Runner) flatten(ctx context.Context, glob, dest string) (flatten.Result, error) {
	if err := r.checkParquet(ctx, glob); err != nil {
		return flatten.Result{}, err
	}

	eng, err := r.open(ctx)
	if err != nil {
		return flatten.Result{}, fmt.Errorf("open engine: %w", err)
	}
	defer func() { _ = eng.Close() }()

	return flatten.NewPlanner(eng, r.Options).Flatten(ctx, eng.ParquetRelation(glob), dest)
}

// PlanTable computes the column manifest and statement for a table's
// parquet files without materializing anything. Plans are not recorded in
// run history; only executions are.
func (r *Runner) PlanTable(ctx context.Context, bucket, table string) (flatten.Statement, error) {
	return r.PlanSource(ctx, SourceGlob(bucket, table), FlattenedDestination(bucket, table))
}

// PlanSource plans an arbitrary parquet file or glob, for callers that do
// not follow the bucket/table layout convention.
func (r *Runner) PlanSource(ctx context.Context, glob, destination string) (flatten.Statement, error) {
	if err := r.checkParquet(ctx, glob); err != nil {
		return flatten.Statement{}, err
	}

	eng, err := r.open(ctx)
	if err != nil {
		return flatten.Statement{}, fmt.Errorf("open engine: %w", err)
	}
	defer func() { _ = eng.Close() }()

	return flatten.NewPlanner(eng, r.Options).Plan(ctx, eng.ParquetRelation(glob), destination)
}

// PlanDictionary computes the manifest from a published data-dictionary
// page instead of a dataset. With no dataset bound, array fields discover
// empty value sets and contribute no indicator columns.
func (r *Runner) PlanDictionary(ctx context.Context, ref, table string) (flatten.Statement, error) {
	doc, err := r.dict(ctx, ref)
	if err != nil {
		return flatten.Statement{}, fmt.Errorf("load dictionary %s: %w", ref, err)
	}
	if f := probe.Sniff([]byte(doc)); f != probe.FormatHTML {
		return flatten.Statement{}, fmt.Errorf("dictionary %s: expected html, detected %s", ref, f)
	}

	rules := r.Rules
	if rules.RowSelector == "" {
		rules = dictionary.DefaultRules()
	}
	cols, err := dictionary.ExtractColumns(doc, rules)
	if err != nil {
		return flatten.Statement{}, err
	}

	return flatten.NewPlanner(noDataEngine{}, r.Options).PlanSchema(ctx, cols, table, "")
}

// checkParquet rejects sources whose first matching file is not parquet,
// before any engine work starts.
func (r *Runner) checkParquet(ctx context.Context, glob string) error {
	diag, err := r.probe(ctx, glob)
	if err != nil {
		return fmt.Errorf("probe source: %w", err)
	}
	if diag.Format != probe.FormatParquet {
		return fmt.Errorf("source %s: expected parquet, detected %s", diag.Ref, diag.Format)
	}
	return nil
}

func (r *Runner) record(ctx context.Context, table, source, dest string, res flatten.Result, runErr error, started time.Time) {
	status := history.StatusOK
	msg := ""
	if runErr != nil {
		status = history.StatusError
		msg = runErr.Error()
	}
	dur := r.clock().Sub(started)

	metrics.RecordRun(table, status, res.Rows, res.Indicators, dur)

	if r.History == nil {
		return
	}
	rec := history.Record{
		Table:       table,
		Source:      source,
		Destination: dest,
		Status:      status,
		Error:       msg,
		Rows:        res.Rows,
		Columns:     res.Columns,
		Indicators:  res.Indicators,
		StartedAt:   started,
		Duration:    dur,
	}
	// History is an audit trail; its failures never fail the run.
	if err := r.History.Append(ctx, rec); err != nil {
		r.logf("history: append run for %s: %v", table, err)
	}
}

func (r *Runner) open(ctx context.Context) (engine.Engine, error) {
	if r.openEngine != nil {
		return r.openEngine(ctx, r.Engine)
	}
	return engine.Open(ctx, r.Engine)
}

func (r *Runner) probe(ctx context.Context, pattern string) (probe.Diagnosis, error) {
	if r.probeGlob != nil {
		return r.probeGlob(ctx, pattern)
	}
	return probe.DetectGlob(ctx, pattern, 0)
}

func (r *Runner) dict(ctx context.Context, ref string) (string, error) {
	if r.loadDict != nil {
		return r.loadDict(ctx, ref)
	}
	return dictionary.NewLoader(nil, 0).Load(ctx, ref)
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

func (r *Runner) logf(format string, v ...any) {
	if r.Log != nil {
		r.Log.Printf(format, v...)
	}
}

var errNoData = errors.New("no dataset bound")

// noDataEngine satisfies the planner for dictionary-only plans: every array
// field discovers an empty value set. Operations that need data fail.
type noDataEngine struct{}

func (noDataEngine) DescribeRelation(context.Context, string) ([]flatten.Column, error) {
	return nil, errNoData
}

func (noDataEngine) DistinctArrayValues(context.Context, string, flatten.FieldPath) ([]string, error) {
	return nil, nil
}

func (noDataEngine) CopyToParquet(context.Context, string, string) (int64, error) {
	return 0, errNoData
}
