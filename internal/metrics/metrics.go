// Package metrics defines the minimal instrumentation surface the service
// depends on, plus a process-global backend switch. Concrete backends live
// in subpackages; code that emits metrics calls the Record helpers and
// never sees a vendor SDK.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are the dimensions attached to a metric observation.
type Labels map[string]string

// Backend receives raw metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Metric names understood by the backends.
const (
	MetricRunsTotal           = "flattener_runs_total"                    // labels: table, status
	MetricRunDurationSeconds  = "flattener_run_duration_seconds"          // labels: table, status
	MetricRowsTotal           = "flattener_rows_total"                    // labels: table
	MetricIndicatorColumns    = "flattener_indicator_columns"             // labels: table
	MetricHTTPRequestsTotal   = "flattener_http_requests_total"           // labels: endpoint, status
	MetricHTTPDurationSeconds = "flattener_http_request_duration_seconds" // labels: endpoint, status
)

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend swaps the process-global backend. Passing nil restores the
// no-op backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the active backend when it supports flushing.
func Flush() error {
	if f, ok := current().(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

// RecordRun records the outcome of one flattening run.
func RecordRun(table, status string, rows int64, indicators int, dur time.Duration) {
	b := current()
	l := Labels{"table": table, "status": status}
	b.IncCounter(MetricRunsTotal, 1, l)
	b.ObserveHistogram(MetricRunDurationSeconds, dur.Seconds(), l)

	if rows > 0 {
		b.IncCounter(MetricRowsTotal, float64(rows), Labels{"table": table})
	}
	if indicators > 0 {
		b.ObserveHistogram(MetricIndicatorColumns, float64(indicators), Labels{"table": table})
	}
}

// RecordHTTP records one handled HTTP request.
func RecordHTTP(endpoint string, status int, dur time.Duration) {
	b := current()
	l := Labels{"endpoint": endpoint, "status": strconv.Itoa(status)}
	b.IncCounter(MetricHTTPRequestsTotal, 1, l)
	b.ObserveHistogram(MetricHTTPDurationSeconds, dur.Seconds(), l)
}
