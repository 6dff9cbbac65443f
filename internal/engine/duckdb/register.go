package duckdb

import "flattener/internal/engine"

func init() {
	// registers the embedded analytical backend factory
	engine.Register("duckdb", New)
}
