package config

import "fmt"

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding, addressed by the JSON path of the field
// it concerns.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// Validate checks cfg and returns every issue found, warnings included.
// Callers decide whether warnings are fatal; a config is runnable when no
// issue has SeverityError.
func Validate(cfg Config) []Issue {
	var issues []Issue

	addErr := func(path, msg string) {
		issues = append(issues, Issue{Severity: SeverityError, Path: path, Message: msg})
	}
	addWarn := func(path, msg string) {
		issues = append(issues, Issue{Severity: SeverityWarning, Path: path, Message: msg})
	}

	if cfg.Service.Addr == "" {
		addErr("service.addr", "must be set (e.g. \":8080\")")
	}

	if cfg.Engine.Kind == "" {
		addErr("engine.kind", "must be set (e.g. \"duckdb\")")
	}
	if cfg.Engine.Threads < 0 {
		addErr("engine.threads", "must be >= 0")
	}

	if cfg.History.Kind != "" && cfg.History.DSN == "" {
		addErr("history.dsn", fmt.Sprintf("must be set when history.kind is %q", cfg.History.Kind))
	}

	if cfg.Flatten.MaxValueLength < 0 {
		addErr("flatten.max_value_length", "must be >= 0 (0 means default)")
	}
	if n := cfg.Flatten.MaxValueLength; n > 0 && n < 8 {
		addWarn("flatten.max_value_length", "very short values collapse distinct indicators into suffixed duplicates")
	}
	if cfg.Flatten.Parallelism < 0 {
		addErr("flatten.parallelism", "must be >= 0 (0 means default)")
	}

	switch cfg.Metrics.Backend {
	case "", "none", "datadog":
	default:
		addErr("metrics.backend", fmt.Sprintf("unknown backend %q (expected \"datadog\" or \"none\")", cfg.Metrics.Backend))
	}
	if cfg.Metrics.FlushSeconds < 0 {
		addErr("metrics.flush_seconds", "must be >= 0 (0 means default)")
	}

	return issues
}

// HasErrors reports whether any issue is fatal.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
