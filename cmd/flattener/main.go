// Command flattener serves the parquet flattening API over HTTP.
//
// Endpoints:
//   - GET  /heartbeat        liveness probe
//   - POST /flatten_parquet  flatten one table's parquet files
//   - POST /plan             compute the statement without executing
//
// Configuration comes from a JSON file (-config), with the listen address
// and metrics backend overridable by flag and environment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"flattener/internal/config"
	"flattener/internal/flatten"
	"flattener/internal/history"
	"flattener/internal/metrics"
	"flattener/internal/metrics/datadog"
	"flattener/internal/service"

	// register all backends with their factories. config picks which to
	// use but the binary builds in support for all of them.
	_ "flattener/internal/engine/duckdb"
	_ "flattener/internal/history/all"
)

const shutdownTimeout = 10 * time.Second

// backendCloser is the minimal interface used by this command to manage a
// metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability. Nil fields select the
// production implementations.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	LoadConfig     func(path string) (config.Config, error)
	OpenHistory    func(ctx context.Context, cfg history.Config) (history.Store, error)
	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
	Serve          func(srv *http.Server) error
}

// runConfig holds the parsed flags for a run.
type runConfig struct {
	ConfigPath     string
	Addr           string
	MetricsBackend string
	Validate       bool
	Verbose        bool
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, os.Args[1:], deps{
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		LoadConfig:  config.Load,
		OpenHistory: history.Open,
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
		Serve: func(srv *http.Server) error { return srv.ListenAndServe() },
	})
	os.Exit(code)
}

// run executes the service and returns an exit code.
//
// Exit codes:
//   - 0: clean shutdown (or -validate success).
//   - 1: the server failed while running.
//   - 2: configuration/initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.LoadConfig == nil {
		d.LoadConfig = config.Load
	}
	if d.OpenHistory == nil {
		d.OpenHistory = history.Open
	}
	if d.Serve == nil {
		d.Serve = func(srv *http.Server) error { return srv.ListenAndServe() }
	}

	logger := log.New(d.Stderr, "", log.LstdFlags)

	rc, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	cfg, err := d.LoadConfig(rc.ConfigPath)
	if err != nil {
		fmt.Fprintf(d.Stderr, "%v\n", err)
		return 2
	}
	cfg.Service.Addr = resolveAddr(rc.Addr, os.Getenv("PORT"), cfg.Service.Addr)
	cfg.Metrics.Backend = resolveMetricsBackend(rc.MetricsBackend, os.Getenv("METRICS_BACKEND"), cfg.Metrics.Backend)

	cfgName := rc.ConfigPath
	if cfgName == "" {
		cfgName = "<defaults>"
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(d.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(d.Stderr, "configuration is invalid: %s\n", cfgName)
		return 2
	}
	if rc.Validate {
		fmt.Fprintf(d.Stdout, "configuration is valid: %s\n", cfgName)
		return 0
	}

	// Metrics backend: flag, then env, then config; default stays nop.
	switch cfg.Metrics.Backend {
	case "datadog":
		jobName := cfg.Metrics.JobName
		if jobName == "" {
			jobName = service.ServiceName
		}
		tags := append(datadog.ParseTagsCSV(cfg.Metrics.Tags), datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)

		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "internal error: BackendFactory is nil")
			return 2
		}
		b, err := d.BackendFactory(ctx, jobName, tags, cfg.Metrics.FlushInterval())
		if err != nil {
			logger.Printf("metrics: failed to init datadog backend: %v; using nop", err)
		} else {
			logger.Printf("metrics: backend=%s job_name=%s tags=%v", cfg.Metrics.Backend, jobName, tags)
			metrics.SetBackend(b)
			defer func() {
				if err := b.Close(); err != nil {
					logger.Printf("metrics: datadog close/flush error: %v", err)
				}
			}()
		}

	case "", "none":
		if rc.Verbose {
			logger.Printf("metrics: disabled (backend=%q)", cfg.Metrics.Backend)
		}

	default:
		logger.Printf("metrics: unknown backend %q; metrics disabled", cfg.Metrics.Backend)
	}

	// Run history: absent kind disables the audit trail.
	store := history.Nop()
	if cfg.History.Kind != "" {
		st, err := d.OpenHistory(ctx, cfg.History)
		if err != nil {
			fmt.Fprintf(d.Stderr, "history: open: %v\n", err)
			return 2
		}
		defer st.Close()
		if err := st.Init(ctx); err != nil {
			fmt.Fprintf(d.Stderr, "history: init: %v\n", err)
			return 2
		}
		store = st
	}

	runner := &service.Runner{
		Engine: cfg.Engine,
		Options: flatten.Options{
			IgnoreFields:   cfg.Flatten.IgnoreFields,
			MaxValueLength: cfg.Flatten.MaxValueLength,
			Parallelism:    cfg.Flatten.Parallelism,
			Log:            logger,
		},
		History: store,
		Log:     logger,
	}

	srv := &http.Server{
		Addr:              cfg.Service.Addr,
		Handler:           service.New(runner, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.Serve(srv) }()

	logger.Printf("%s listening on %s (engine=%s history=%s)",
		service.ServiceName, cfg.Service.Addr, cfg.Engine.Kind, cfg.History.Kind)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(d.Stderr, "serve: %v\n", err)
			return 1
		}
		return 0

	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			fmt.Fprintf(d.Stderr, "shutdown: %v\n", err)
			return 1
		}
		<-errCh
		logger.Printf("shutdown complete")
		return 0
	}
}

// parseFlags parses command arguments into a runConfig.
//
// Errors:
//   - Returns an error for invalid flags.
//   - Does not exit the process (caller decides exit code).
func parseFlags(args []string) (runConfig, error) {
	fs := flag.NewFlagSet("flattener", flag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)

	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var cfg runConfig
	fs.StringVar(&cfg.ConfigPath, "config", "", "service config JSON path (empty means builtin defaults)")
	fs.StringVar(&cfg.Addr, "addr", "", "listen address (overrides PORT env and config)")
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", "", "metrics backend to use (e.g. datadog, none)")
	fs.BoolVar(&cfg.Validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&cfg.Verbose, "v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runConfig{}, errors.New(usageBuf.String())
		}
		return runConfig{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}
	return cfg, nil
}

// resolveAddr picks the listen address: flag, then PORT env (a bare port
// number, per the deployment convention), then config.
func resolveAddr(flagAddr, portEnv, cfgAddr string) string {
	if flagAddr != "" {
		return flagAddr
	}
	if portEnv != "" {
		return ":" + portEnv
	}
	return cfgAddr
}

// resolveMetricsBackend picks the metrics backend: flag, then env, then config.
func resolveMetricsBackend(flagName, envName, cfgName string) string {
	if flagName != "" {
		return flagName
	}
	if envName != "" {
		return envName
	}
	return cfgName
}
