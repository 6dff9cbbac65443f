package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"flattener/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
//
// Edge cases:
//   - ENV wins over DD_ENV.
//   - Whitespace-only env vars are ignored.
//   - If neither is set, "env:unknown" is returned.
func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

// TestLabelKeyRoundTrip verifies key encoding/decoding.
//
// Edge cases:
//   - Empty parts are normalized to "unknown" before joining.
func TestLabelKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		first      string
		second     string
		wantFirst  string
		wantSecond string
	}{
		{name: "normal", first: "users", second: "ok", wantFirst: "users", wantSecond: "ok"},
		{name: "empty_first", first: "", second: "ok", wantFirst: "unknown", wantSecond: "ok"},
		{name: "empty_second", first: "users", second: "", wantFirst: "users", wantSecond: "unknown"},
		{name: "both_empty", first: "", second: "", wantFirst: "unknown", wantSecond: "unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			k := labelKey(tc.first, tc.second)
			first, second := splitLabelKey(k)
			if first != tc.wantFirst || second != tc.wantSecond {
				t.Fatalf("roundtrip got=(%q,%q), want=(%q,%q)", first, second, tc.wantFirst, tc.wantSecond)
			}
		})
	}

	t.Run("split_without_separator_defaults_unknown", func(t *testing.T) {
		first, second := splitLabelKey("no-sep")
		if first != "no-sep" || second != "unknown" {
			t.Fatalf("splitLabelKey()=(%q,%q), want=(%q,%q)", first, second, "no-sep", "unknown")
		}
	})
}

// TestWithTags verifies tag concatenation and immutability.
func TestWithTags(t *testing.T) {
	base := []string{"env:test", "job:flattener"}
	extras := []string{"table:users", "status:ok"}
	got := withTags(base, extras...)
	want := []string{"env:test", "job:flattener", "table:users", "status:ok"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withTags()=%v, want %v", got, want)
	}
	if !reflect.DeepEqual(base, []string{"env:test", "job:flattener"}) {
		t.Fatalf("withTags mutated base: %v", base)
	}
	got[0] = "env:mutated"
	if base[0] == "env:mutated" {
		t.Fatalf("withTags output aliases base slice; base should not change when output is modified")
	}
}

// TestPercentileNearestRank verifies percentile behavior.
func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

// TestGaugeSeries verifies gaugeSeries timestamps and values.
func TestGaugeSeries(t *testing.T) {
	now := int64(1234567)
	s := gaugeSeries("flattener.test.gauge", 3.14, []string{"env:test"}, now)

	if s.Metric != "flattener.test.gauge" {
		t.Fatalf("Metric=%q, want %q", s.Metric, "flattener.test.gauge")
	}
	if s.Type == nil || *s.Type != datadogV2.METRICINTAKETYPE_GAUGE {
		t.Fatalf("Type=%v, want gauge", s.Type)
	}
	if len(s.Points) != 1 {
		t.Fatalf("Points=%d, want 1", len(s.Points))
	}
	if s.Points[0].Timestamp == nil || *s.Points[0].Timestamp != now {
		t.Fatalf("Timestamp=%v, want %d", s.Points[0].Timestamp, now)
	}
	if s.Points[0].Value == nil || *s.Points[0].Value != 3.14 {
		t.Fatalf("Value=%v, want 3.14", s.Points[0].Value)
	}
	if !contains(s.Tags, "env:test") {
		t.Fatalf("Tags missing env:test: %v", s.Tags)
	}
}

// TestAddPercentiles verifies the fixed percentile gauge set.
//
// Edge cases:
//   - Empty samples produce no series.
//   - The input slice is not mutated (a sorted copy is used).
func TestAddPercentiles(t *testing.T) {
	var series []datadogV2.MetricSeries
	addPercentiles(&series, "flattener.run.duration_seconds", []string{"table:users"}, nil, 100)
	if len(series) != 0 {
		t.Fatalf("empty samples produced %d series, want 0", len(series))
	}

	samples := []float64{3, 1, 2}
	addPercentiles(&series, "flattener.run.duration_seconds", []string{"table:users"}, samples, 100)

	if !reflect.DeepEqual(samples, []float64{3, 1, 2}) {
		t.Fatalf("addPercentiles mutated samples: %v", samples)
	}

	var names []string
	for _, s := range series {
		names = append(names, s.Metric)
	}
	sort.Strings(names)
	want := []string{
		"flattener.run.duration_seconds.max",
		"flattener.run.duration_seconds.p50",
		"flattener.run.duration_seconds.p90",
		"flattener.run.duration_seconds.p95",
		"flattener.run.duration_seconds.p99",
		"flattener.run.duration_seconds.samples",
	}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("series names=%v, want %v", names, want)
	}

	for _, s := range series {
		if s.Metric == "flattener.run.duration_seconds.max" && *s.Points[0].Value != 3 {
			t.Fatalf("max=%v, want 3", *s.Points[0].Value)
		}
		if s.Metric == "flattener.run.duration_seconds.samples" && *s.Points[0].Value != 3 {
			t.Fatalf("samples=%v, want 3", *s.Points[0].Value)
		}
		if !contains(s.Tags, "table:users") {
			t.Fatalf("series %s missing table tag: %v", s.Metric, s.Tags)
		}
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := Options{
		JobName:    "", // should default
		FlushEvery: 0,  // should default
		Tags:       []string{"service:flattener"},
		submitter:  fs,
		now:        func() time.Time { return time.Unix(123, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) }, // effectively disables loop in this test
	}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v, want nil", err)
	}
	defer func() { _ = b.Close() }()

	// baseTags should include env tag + job tag + provided tags.
	// env tag depends on env vars; we just require the job and service tags.
	if !contains(b.baseTags, "job:flattener") {
		t.Fatalf("baseTags missing job:flattener: %v", b.baseTags)
	}
	if !contains(b.baseTags, "service:flattener") {
		t.Fatalf("baseTags missing service:flattener: %v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

// TestFlush_SubmitsAndResets verifies Flush submits buffered metrics and resets buffers.
func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour, // minimize loop behavior
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.MetricRunsTotal, 2, metrics.Labels{"table": "users", "status": "ok"})
	b.IncCounter(metrics.MetricRowsTotal, 42, metrics.Labels{"table": "users"})
	b.ObserveHistogram(metrics.MetricRunDurationSeconds, 0.5, metrics.Labels{"table": "users", "status": "ok"})
	b.ObserveHistogram(metrics.MetricIndicatorColumns, 7, metrics.Labels{"table": "users"})
	b.IncCounter(metrics.MetricHTTPRequestsTotal, 7, metrics.Labels{"endpoint": "/flatten_parquet", "status": "200"})
	b.ObserveHistogram(metrics.MetricHTTPDurationSeconds, 0.1, metrics.Labels{"endpoint": "/flatten_parquet", "status": "200"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}

	// Buffers should be reset after flush.
	if len(b.runCounts) != 0 || len(b.runDurations) != 0 || len(b.rowCounts) != 0 ||
		len(b.indicatorCol) != 0 || len(b.httpCounts) != 0 || len(b.httpDurations) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}

	var metricNames []string
	for _, s := range payload.Series {
		metricNames = append(metricNames, s.Metric)
	}
	sort.Strings(metricNames)

	// This test only asserts presence of key series names that represent
	// the contract.
	wantContains := []string{
		"flattener.runs.total",
		"flattener.rows.total",
		"flattener.run.duration_seconds.p50",
		"flattener.run.duration_seconds.samples",
		"flattener.indicator_columns.max",
		"flattener.http.requests.total",
		"flattener.http.request_duration_seconds.p50",
		"flattener.http.request_duration_seconds.samples",
	}
	for _, w := range wantContains {
		if !contains(metricNames, w) {
			t.Fatalf("payload missing metric %q; got=%v", w, metricNames)
		}
	}
}

// TestFlush_NoDataDoesNotSubmit verifies Flush returns nil and does not submit when empty.
func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

// TestFlush_SubmitErrorStillResets verifies buffers are dropped even when
// submission fails, so a flaky intake cannot grow memory without bound.
func TestFlush_SubmitErrorStillResets(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("intake unavailable")}
	opts := Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.MetricRunsTotal, 1, metrics.Labels{"table": "users", "status": "ok"})

	if err := b.Flush(); err == nil {
		t.Fatalf("Flush() err=nil, want submit error")
	}
	if len(b.runCounts) != 0 {
		t.Fatalf("buffers not reset after failed Flush")
	}

	// Close also flushes; there is nothing buffered so it must not resubmit.
	fs.err = nil
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
}

// TestLoopAndClose verifies the background loop flushes periodically and Close performs a final flush.
func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}

	// Use a fast ticker to trigger at least one background flush.
	opts := Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
		// Use real ticker for this test (default), so loop is exercised.
	}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	// Put some data in the buffers; loop should flush it.
	b.IncCounter(metrics.MetricRowsTotal, 1, metrics.Labels{"table": "users"})

	// Wait briefly for at least one tick.
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		if fs.count() >= 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background Flush submission; got %d", fs.count())
	}

	// Add more data; Close should perform a final flush.
	b.IncCounter(metrics.MetricRowsTotal, 1, metrics.Labels{"table": "users"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}

	// Close performs a final flush, so we expect at least 2 submissions total:
	// one from the periodic loop, one from Close()'s final Flush().
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
}

// TestBackend_ConcurrentAccess verifies thread-safety of buffering.
func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(3000, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 2000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.MetricRunsTotal, 1, metrics.Labels{"table": "users", "status": "ok"})
				b.IncCounter(metrics.MetricRowsTotal, 1, metrics.Labels{"table": "users"})
				b.ObserveHistogram(metrics.MetricRunDurationSeconds, 0.01, metrics.Labels{"table": "users", "status": "ok"})
				b.ObserveHistogram(metrics.MetricHTTPDurationSeconds, 0.02, metrics.Labels{"endpoint": "/heartbeat", "status": "200"})
			}
		}()
	}
	wg.Wait()

	// Force a flush and validate no panic and one submission.
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
}

// TestIncCounterAndObserveHistogram_EdgeCases verifies ignored paths and defaults.
func TestIncCounterAndObserveHistogram_EdgeCases(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(4000, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	// Non-positive counter should be ignored.
	b.IncCounter(metrics.MetricRunsTotal, 0, metrics.Labels{"table": "users", "status": "ok"})
	// Missing table should be ignored for row counts.
	b.IncCounter(metrics.MetricRowsTotal, 1, metrics.Labels{})
	// Unknown metric should be ignored.
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	// Negative histogram should be ignored.
	b.ObserveHistogram(metrics.MetricRunDurationSeconds, -1, metrics.Labels{"table": "users", "status": "ok"})
	// Missing endpoint/status should default "unknown".
	b.IncCounter(metrics.MetricHTTPRequestsTotal, 1, metrics.Labels{})
	b.ObserveHistogram(metrics.MetricHTTPDurationSeconds, 0.1, metrics.Labels{})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}

	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}

	// Should include http request count and duration percentiles tagged unknown.
	var sawHTTPCount bool
	var sawP50 bool
	for _, s := range payload.Series {
		if s.Metric == "flattener.http.requests.total" && contains(s.Tags, "status:unknown") {
			sawHTTPCount = true
		}
		if s.Metric == "flattener.http.request_duration_seconds.p50" && contains(s.Tags, "endpoint:unknown") {
			sawP50 = true
		}
	}
	if !sawHTTPCount {
		t.Fatalf("expected flattener.http.requests.total for status:unknown")
	}
	if !sawP50 {
		t.Fatalf("expected flattener.http.request_duration_seconds.p50 for endpoint:unknown")
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "empty_returns_nil",
			in:   "",
			want: nil,
		},
		{
			name: "trims_and_skips_empty_segments",
			in:   " env:prod , ,service:flattener,  ,team:data ",
			want: []string{"env:prod", "service:flattener", "team:data"},
		},
		{
			name: "single_tag",
			in:   "service:flattener",
			want: []string{"service:flattener"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ParseTagsCSV(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
