// Command flattenplan computes a flattening plan without executing it.
//
// The schema comes either from a parquet file or glob (-src) or from an
// HTML data-dictionary page (-dict with -table). Output is the rendered
// SELECT statement, or the full column manifest as JSON with -out json.
//
// Examples:
//
//	flattenplan -src '/lake/users/users*.parquet'
//	flattenplan -dict https://docs.example/users -table users -out json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"flattener/internal/dictionary"
	"flattener/internal/engine"
	"flattener/internal/flatten"
	"flattener/internal/service"

	// register the analytical engine with the engine factory.
	_ "flattener/internal/engine/duckdb"
)

// planner is the slice of service.Runner this command uses.
type planner interface {
	PlanSource(ctx context.Context, glob, destination string) (flatten.Statement, error)
	PlanDictionary(ctx context.Context, ref, table string) (flatten.Statement, error)
}

// deps are external seams for testability. Nil fields select the
// production implementations.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	NewPlanner func(cfg runConfig, rules dictionary.Rules, logw io.Writer) planner
}

// runConfig holds the parsed flags for a run.
type runConfig struct {
	Src     string
	Dict    string
	Table   string
	Rules   string
	Out     string
	Pretty  bool
	Timeout time.Duration

	Ignore      string
	MaxValueLen int
	Parallelism int

	TempDir     string
	MemoryLimit string
	Threads     int

	Verbose bool
}

// planOutput is emitted as JSON to stdout in -out json mode.
type planOutput struct {
	flatten.Statement
	SQL string `json:"sql"`
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		NewPlanner: newRunnerPlanner,
	})
	os.Exit(code)
}

// run executes the planning command and returns an exit code.
//
// Exit codes:
//   - 0: success.
//   - 1: planning failed.
//   - 2: configuration error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.NewPlanner == nil {
		d.NewPlanner = newRunnerPlanner
	}

	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	var rules dictionary.Rules
	if cfg.Rules != "" {
		rules, err = dictionary.LoadRules(cfg.Rules)
		if err != nil {
			fmt.Fprintf(d.Stderr, "rules: %v\n", err)
			return 2
		}
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	p := d.NewPlanner(cfg, rules, d.Stderr)

	var st flatten.Statement
	if cfg.Dict != "" {
		st, err = p.PlanDictionary(ctx, cfg.Dict, cfg.Table)
	} else {
		st, err = p.PlanSource(ctx, cfg.Src, "")
	}
	if err != nil {
		fmt.Fprintf(d.Stderr, "plan: %v\n", err)
		return 1
	}

	switch cfg.Out {
	case "json":
		enc := json.NewEncoder(d.Stdout)
		if cfg.Pretty {
			enc.SetIndent("", "  ")
		}
		if err := enc.Encode(planOutput{Statement: st, SQL: st.SQL()}); err != nil {
			fmt.Fprintf(d.Stderr, "encode plan: %v\n", err)
			return 1
		}
	default:
		fmt.Fprintln(d.Stdout, st.SQL())
	}
	return 0
}

// newRunnerPlanner builds the production planner from flags.
func newRunnerPlanner(cfg runConfig, rules dictionary.Rules, logw io.Writer) planner {
	r := &service.Runner{
		Engine: engine.Config{
			Kind:        "duckdb",
			TempDir:     cfg.TempDir,
			MemoryLimit: cfg.MemoryLimit,
			Threads:     cfg.Threads,
		},
		Options: flatten.Options{
			IgnoreFields:   splitCSV(cfg.Ignore),
			MaxValueLength: cfg.MaxValueLen,
			Parallelism:    cfg.Parallelism,
		},
		Rules: rules,
	}
	if cfg.Verbose {
		lg := log.New(logw, "", log.LstdFlags)
		r.Options.Log = lg
		r.Log = lg
	}
	return r
}

// parseFlags parses command arguments into a validated runConfig.
//
// Errors:
//   - Returns an error for invalid/missing required flags.
//   - Does not exit the process (caller decides exit code).
func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("flattenplan", flag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)

	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg runConfig
	fs.StringVar(&cfg.Src, "src", "", "parquet file or glob to plan")
	fs.StringVar(&cfg.Dict, "dict", "", "HTML data-dictionary URL or path to plan from")
	fs.StringVar(&cfg.Table, "table", "", "table name used as the statement source (required with -dict)")
	fs.StringVar(&cfg.Rules, "rules", "", "dictionary extraction rules JSON path")
	fs.StringVar(&cfg.Out, "out", "sql", "output format: sql|json")
	fs.BoolVar(&cfg.Pretty, "pretty", true, "pretty-print JSON output")
	fs.DurationVar(&cfg.Timeout, "timeout", 5*time.Minute, "overall planning timeout (0 means none)")

	fs.StringVar(&cfg.Ignore, "ignore", "", "comma-separated top-level columns to drop before planning")
	fs.IntVar(&cfg.MaxValueLen, "max-value-len", 0, "cap for sanitized indicator value tokens (0 means default)")
	fs.IntVar(&cfg.Parallelism, "parallelism", 0, "concurrent distinct-value queries (0 means default)")

	fs.StringVar(&cfg.TempDir, "temp-dir", "", "engine spill directory")
	fs.StringVar(&cfg.MemoryLimit, "memory-limit", "", "engine memory limit (e.g. 10GB)")
	fs.IntVar(&cfg.Threads, "threads", 0, "engine threads (0 means default)")

	fs.BoolVar(&cfg.Verbose, "v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	if (cfg.Src == "") == (cfg.Dict == "") {
		return runConfig{}, errors.New("exactly one of -src or -dict is required")
	}
	if cfg.Dict != "" && cfg.Table == "" {
		return runConfig{}, errors.New("-dict requires -table")
	}
	if cfg.Out != "sql" && cfg.Out != "json" {
		return runConfig{}, fmt.Errorf("-out must be sql or json, got %q", cfg.Out)
	}

	return cfg, nil
}

// splitCSV splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
