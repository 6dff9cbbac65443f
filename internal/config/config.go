// Package config defines the typed configuration consumed by the flattener
// commands: a JSON file decoded over defaults, then validated into a list of
// per-field issues so operators see every problem at once.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"flattener/internal/engine"
	"flattener/internal/history"
)

type Config struct {
	Service ServiceConfig  `json:"service"`
	Engine  engine.Config  `json:"engine"`
	History history.Config `json:"history"`
	Flatten FlattenConfig  `json:"flatten"`
	Metrics MetricsConfig  `json:"metrics"`
}

type ServiceConfig struct {
	Addr string `json:"addr"`
}

// FlattenConfig tunes the planner. Zero values mean "library default"
// (MaxValueLength 63, Parallelism 4).
type FlattenConfig struct {
	IgnoreFields   []string `json:"ignore_fields"`
	MaxValueLength int      `json:"max_value_length"`
	Parallelism    int      `json:"parallelism"`
}

type MetricsConfig struct {
	// Backend kind: "datadog" | "none".
	Backend string `json:"backend"`
	JobName string `json:"job_name"`

	// Tags is a CSV like "env:prod,team:data".
	Tags string `json:"tags"`

	FlushSeconds int `json:"flush_seconds"`
}

// FlushInterval converts FlushSeconds to a duration, defaulting to one
// minute.
func (m MetricsConfig) FlushInterval() time.Duration {
	if m.FlushSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(m.FlushSeconds) * time.Second
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Service: ServiceConfig{Addr: ":8080"},
		Engine:  engine.Config{Kind: "duckdb"},
		History: history.Config{Kind: "sqlite", DSN: "flattener_runs.db"},
		Metrics: MetricsConfig{Backend: "none", JobName: "flattener", FlushSeconds: 60},
	}
}

// Load reads a JSON config file over Default(). An empty path returns the
// defaults unchanged, so commands work with no config file at all.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
