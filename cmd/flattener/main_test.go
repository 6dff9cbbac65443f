package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"flattener/internal/config"
	"flattener/internal/history"
	"flattener/internal/metrics"
)

// testBackend is a minimal metrics backend used in tests.
type testBackend struct{}

func (testBackend) IncCounter(name string, delta float64, labels metrics.Labels)       {}
func (testBackend) ObserveHistogram(name string, value float64, labels metrics.Labels) {}
func (testBackend) Flush() error                                                       { return nil }
func (testBackend) Close() error                                                       { return nil }

// defaultsNoHistory returns a valid config with the audit trail disabled,
// so run() never needs a real store.
func defaultsNoHistory(string) (config.Config, error) {
	cfg := config.Default()
	cfg.History.Kind = ""
	cfg.History.DSN = ""
	return cfg, nil
}

// serveEphemeral binds an ephemeral loopback port and serves on it, so
// shutdown semantics match the production ListenAndServe path.
func serveEphemeral(srv *http.Server) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	defer ln.Close()
	return srv.Serve(ln)
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		args      []string
		wantErr   string
		wantField func(t *testing.T, cfg runConfig)
	}{
		{
			name:    "help_prints_usage",
			args:    []string{"-h"},
			wantErr: "Usage of flattener",
		},
		{
			name:    "unknown_flag",
			args:    []string{"-nope"},
			wantErr: "flag provided but not defined",
		},
		{
			name: "defaults",
			args: []string{},
			wantField: func(t *testing.T, cfg runConfig) {
				if cfg.ConfigPath != "" || cfg.Addr != "" || cfg.MetricsBackend != "" {
					t.Fatalf("cfg=%+v, want zero overrides", cfg)
				}
				if cfg.Validate || cfg.Verbose {
					t.Fatalf("cfg=%+v, want validate/verbose off", cfg)
				}
			},
		},
		{
			name: "custom_values",
			args: []string{"-config", "x.json", "-addr", ":9999", "-metrics-backend", "datadog", "-validate", "-v"},
			wantField: func(t *testing.T, cfg runConfig) {
				if cfg.ConfigPath != "x.json" || cfg.Addr != ":9999" || cfg.MetricsBackend != "datadog" {
					t.Fatalf("cfg=%+v", cfg)
				}
				if !cfg.Validate || !cfg.Verbose {
					t.Fatalf("cfg=%+v, want validate/verbose on", cfg)
				}
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := parseFlags(tc.args)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("parseFlags() err=%v, want contains %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFlags() err=%v, want nil", err)
			}
			if tc.wantField != nil {
				tc.wantField(t, cfg)
			}
		})
	}
}

func TestResolveAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		flag, env, cfg, want string
	}{
		{":7777", "9090", ":8080", ":7777"},
		{"", "9090", ":8080", ":9090"},
		{"", "", ":8080", ":8080"},
	}
	for _, tc := range tests {
		if got := resolveAddr(tc.flag, tc.env, tc.cfg); got != tc.want {
			t.Errorf("resolveAddr(%q, %q, %q)=%q, want %q", tc.flag, tc.env, tc.cfg, got, tc.want)
		}
	}
}

func TestResolveMetricsBackend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		flag, env, cfg, want string
	}{
		{"datadog", "none", "none", "datadog"},
		{"", "datadog", "none", "datadog"},
		{"", "", "none", "none"},
	}
	for _, tc := range tests {
		if got := resolveMetricsBackend(tc.flag, tc.env, tc.cfg); got != tc.want {
			t.Errorf("resolveMetricsBackend(%q, %q, %q)=%q, want %q", tc.flag, tc.env, tc.cfg, got, tc.want)
		}
	}
}

func TestRun_FlagErrors(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"-nope"}, deps{Stdout: &out, Stderr: &errOut})
	if code != 2 {
		t.Fatalf("run()=%d, want 2", code)
	}
	if got := errOut.String(); !strings.Contains(got, "flag provided but not defined") {
		t.Fatalf("stderr=%q, want flag error", got)
	}
}

func TestRun_ConfigLoadError(t *testing.T) {
	t.Parallel()

	var errOut bytes.Buffer
	code := run(context.Background(), []string{"-config", "missing.json"}, deps{
		Stderr: &errOut,
		LoadConfig: func(path string) (config.Config, error) {
			return config.Config{}, errors.New("read config missing.json: no such file")
		},
	})
	if code != 2 {
		t.Fatalf("run()=%d, want 2", code)
	}
	if got := errOut.String(); !strings.Contains(got, "read config missing.json") {
		t.Fatalf("stderr=%q, want load error", got)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Parallel()

	var errOut bytes.Buffer
	code := run(context.Background(), []string{"-metrics-backend", "none"}, deps{
		Stderr: &errOut,
		LoadConfig: func(string) (config.Config, error) {
			cfg := config.Default()
			cfg.Engine.Kind = ""
			return cfg, nil
		},
	})
	if code != 2 {
		t.Fatalf("run()=%d, want 2", code)
	}
	if got := errOut.String(); !strings.Contains(got, "engine.kind") || !strings.Contains(got, "configuration is invalid") {
		t.Fatalf("stderr=%q, want validation failure", got)
	}
}

func TestRun_ValidateOnly(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"-validate", "-addr", ":8080", "-metrics-backend", "none"}, deps{
		Stdout:     &out,
		Stderr:     &errOut,
		LoadConfig: defaultsNoHistory,
	})
	if code != 0 {
		t.Fatalf("run()=%d, want 0; stderr=%q", code, errOut.String())
	}
	if got := out.String(); !strings.Contains(got, "configuration is valid") {
		t.Fatalf("stdout=%q, want validation success", got)
	}
}

func TestRun_HistoryOpenError(t *testing.T) {
	t.Parallel()

	var errOut bytes.Buffer
	code := run(context.Background(), []string{"-addr", ":8080", "-metrics-backend", "none"}, deps{
		Stderr:     &errOut,
		LoadConfig: func(string) (config.Config, error) { return config.Default(), nil },
		OpenHistory: func(context.Context, history.Config) (history.Store, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	})
	if code != 2 {
		t.Fatalf("run()=%d, want 2", code)
	}
	if got := errOut.String(); !strings.Contains(got, "history: open:") {
		t.Fatalf("stderr=%q, want history open error", got)
	}
}

func TestRun_ServeError(t *testing.T) {
	t.Parallel()

	var errOut bytes.Buffer
	code := run(context.Background(), []string{"-addr", ":8080", "-metrics-backend", "none"}, deps{
		Stderr:     &errOut,
		LoadConfig: defaultsNoHistory,
		Serve: func(*http.Server) error {
			return errors.New("listen tcp :8080: address already in use")
		},
	})
	if code != 1 {
		t.Fatalf("run()=%d, want 1", code)
	}
	if got := errOut.String(); !strings.Contains(got, "serve:") {
		t.Fatalf("stderr=%q, want serve error", got)
	}
}

func TestRun_CleanShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var errOut bytes.Buffer
	code := run(ctx, []string{"-addr", "127.0.0.1:0", "-metrics-backend", "none"}, deps{
		Stderr:     &errOut,
		LoadConfig: defaultsNoHistory,
		Serve:      serveEphemeral,
	})
	if code != 0 {
		t.Fatalf("run()=%d, want 0; stderr=%q", code, errOut.String())
	}
	if got := errOut.String(); !strings.Contains(got, "shutdown complete") {
		t.Fatalf("stderr=%q, want shutdown log", got)
	}
}

func TestRun_DatadogBackendWired(t *testing.T) {
	t.Setenv("METRICS_TAGS", "")
	defer metrics.SetBackend(nil)

	var gotJob string
	var gotTags []string
	var errOut bytes.Buffer

	code := run(context.Background(), []string{"-addr", ":8080", "-metrics-backend", "datadog"}, deps{
		Stderr:     &errOut,
		LoadConfig: defaultsNoHistory,
		BackendFactory: func(_ context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			gotJob = jobName
			gotTags = tags
			if flushEvery != time.Minute {
				t.Errorf("flushEvery=%v, want 1m", flushEvery)
			}
			return testBackend{}, nil
		},
		Serve: func(*http.Server) error {
			return errors.New("listen tcp :8080: address already in use")
		},
	})
	if code != 1 {
		t.Fatalf("run()=%d, want 1; stderr=%q", code, errOut.String())
	}
	if gotJob != "flattener" {
		t.Errorf("jobName=%q, want flattener", gotJob)
	}
	if len(gotTags) != 0 {
		t.Errorf("tags=%v, want none by default", gotTags)
	}
}

func TestRun_DatadogInitFailureFallsBackToNop(t *testing.T) {
	t.Parallel()

	var errOut bytes.Buffer
	code := run(context.Background(), []string{"-addr", ":8080", "-metrics-backend", "datadog"}, deps{
		Stderr:     &errOut,
		LoadConfig: defaultsNoHistory,
		BackendFactory: func(context.Context, string, []string, time.Duration) (backendCloser, error) {
			return nil, errors.New("missing DD_API_KEY")
		},
		Serve: func(*http.Server) error {
			return errors.New("listen tcp :8080: address already in use")
		},
	})
	if code != 1 {
		t.Fatalf("run()=%d, want 1", code)
	}
	if got := errOut.String(); !strings.Contains(got, "using nop") {
		t.Fatalf("stderr=%q, want nop fallback log", got)
	}
}
