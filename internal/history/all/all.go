// Package all registers every history backend with the history factory.
// Binaries that pick a backend at runtime via config blank-import this
// package so support for all of them is compiled in.
package all

import (
	_ "flattener/internal/history/mssql"
	_ "flattener/internal/history/postgres"
	_ "flattener/internal/history/sqlite"
)
