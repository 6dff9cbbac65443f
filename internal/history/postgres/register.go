package postgres

import "flattener/internal/history"

func init() {
	// registers the Postgres history backend factory
	history.Register("postgres", New)
}
