// Package datadog implements a Datadog backend for the internal/metrics package.
//
// NOTE ABOUT FLUSHING:
// The flattener runs both as a long-lived HTTP service and as one-shot CLI
// invocations. Submitting only once at process exit would turn a day of
// service traffic into a single spike, so we:
//   - buffer observations in-memory (fast, lock-protected)
//   - periodically Flush() on a ticker (default: once per minute)
//   - Flush() one final time on Close()
//
// Concurrency model:
//   - request handlers and planner goroutines call IncCounter/ObserveHistogram
//     at any time
//   - Flush snapshots+resets buffers under a mutex, then submits out-of-lock
//   - the flush loop calls Flush() periodically; Close() stops the loop
//
// If the process is killed with SIGKILL/OOM, Close() won't run (no backend can
// fix that).
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"flattener/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "flattener".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "service:flattener"}).
	Tags []string

	// FlushEvery controls how often we submit buffered metrics to Datadog.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// The following fields are unexported test seams.
	//
	// Production code never sets them; unit tests can set them to avoid:
	//   - real network submission
	//   - nondeterministic clocks/tickers
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal interface needed to submit metrics.
//
// The Datadog SDK exposes a concrete *datadogV2.MetricsApi, which cannot be
// stubbed without real HTTP. Backend depends on this interface instead,
// enabling deterministic tests with a fake submitter.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	// now is injected for deterministic tests. Production uses time.Now.
	now func() time.Time

	// newTicker is injected for deterministic tests. Production uses time.NewTicker.
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	runCounts    map[string]float64   // table\x00status -> count
	runDurations map[string][]float64 // table\x00status -> seconds
	rowCounts    map[string]float64   // table -> rows written
	indicatorCol map[string][]float64 // table -> indicator column counts

	httpCounts    map[string]float64   // endpoint\x00status -> count
	httpDurations map[string][]float64 // endpoint\x00status -> seconds
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	// newTicker is a seam to allow tests to run with very small tick durations
	// while keeping the production behavior identical.
	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush().
//
// Errors:
//   - Returns any error from the final Flush() submission.
//   - If Close is called multiple times, the behavior is undefined (it will
//     panic because stopCh is closed twice). This mirrors typical Go "Close
//     once" semantics and is acceptable for process-lifetime backends.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// NewBackend constructs a Datadog backend using the official client.
//
// When to use:
//   - Configure this backend when you want Datadog metrics for flatten runs.
//   - Suitable for both the long-running service (periodic flush) and one-shot
//     commands (final flush on Close).
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "flattener".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//
// Errors:
//   - Returns an error only if internal initialization fails. Datadog client
//     construction itself is not expected to fail; network errors occur during
//     Flush().
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "flattener"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	envTag := resolveEnvTag()
	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, envTag, "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	// Clock / ticker seams.
	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	// Submitter seam.
	submitter := opts.submitter
	if submitter == nil {
		cfg := dd.NewConfiguration()
		client := dd.NewAPIClient(cfg)
		submitter = datadogV2.NewMetricsApi(client)
	}

	// NewDefaultContext carries DD_API_KEY etc. from the environment.
	ctx := dd.NewDefaultContext(parent)

	b := &Backend{
		api:        submitter,
		ctx:        ctx,
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: newTicker,

		runCounts:    make(map[string]float64),
		runDurations: make(map[string][]float64),
		rowCounts:    make(map[string]float64),
		indicatorCol: make(map[string][]float64),

		httpCounts:    make(map[string]float64),
		httpDurations: make(map[string][]float64),
	}

	go b.loop()
	return b, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.MetricRunsTotal:
		k := labelKey(labels["table"], labels["status"])
		b.runCounts[k] += delta

	case metrics.MetricRowsTotal:
		table := labels["table"]
		if table == "" {
			return
		}
		b.rowCounts[table] += delta

	case metrics.MetricHTTPRequestsTotal:
		k := labelKey(labels["endpoint"], labels["status"])
		b.httpCounts[k] += delta

	default:
		// Ignore unknown metrics.
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.MetricRunDurationSeconds:
		k := labelKey(labels["table"], labels["status"])
		b.runDurations[k] = append(b.runDurations[k], value)

	case metrics.MetricIndicatorColumns:
		table := labels["table"]
		if table == "" {
			return
		}
		b.indicatorCol[table] = append(b.indicatorCol[table], value)

	case metrics.MetricHTTPDurationSeconds:
		k := labelKey(labels["endpoint"], labels["status"])
		b.httpDurations[k] = append(b.httpDurations[k], value)

	default:
		// Ignore unknown histograms.
	}
}

// snapshot is the immutable set of buffered metric state used to build a
// flush payload. Flush() must reset buffers under a lock but submit
// out-of-lock; snapshot separates collect+reset from payload building.
type snapshot struct {
	runCounts    map[string]float64
	runDurations map[string][]float64
	rowCounts    map[string]float64
	indicatorCol map[string][]float64

	httpCounts    map[string]float64
	httpDurations map[string][]float64
}

// snapshotAndReset grabs current buffered metrics and resets internal buffers.
//
// Concurrency:
//   - Must be called with no lock held.
//   - Takes the lock internally and returns detached maps/slices.
func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		runCounts:    b.runCounts,
		runDurations: b.runDurations,
		rowCounts:    b.rowCounts,
		indicatorCol: b.indicatorCol,

		httpCounts:    b.httpCounts,
		httpDurations: b.httpDurations,
	}

	// Reset buffers for the next collection window.
	b.runCounts = make(map[string]float64)
	b.runDurations = make(map[string][]float64)
	b.rowCounts = make(map[string]float64)
	b.indicatorCol = make(map[string][]float64)

	b.httpCounts = make(map[string]float64)
	b.httpDurations = make(map[string][]float64)

	return s
}

// isEmpty returns true if the snapshot contains no data to submit.
func (s snapshot) isEmpty() bool {
	return len(s.runCounts) == 0 &&
		len(s.runDurations) == 0 &&
		len(s.rowCounts) == 0 &&
		len(s.indicatorCol) == 0 &&
		len(s.httpCounts) == 0 &&
		len(s.httpDurations) == 0
}

// Flush submits buffered metrics to Datadog and resets local buffers.
//
// Errors:
//   - Returns any error from Datadog submission.
//   - Returns nil if there is nothing to submit.
//
// Edge cases:
//   - Flush is safe to call concurrently with IncCounter/ObserveHistogram.
//   - Flush resets buffers even if submission fails, to keep the hot path
//     fast and avoid blocking future writes.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	nowUnix := b.now().Unix()

	series := b.buildSeries(snap, nowUnix)
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed timestamp.
//
// It is pure (no locks, no network, no clocks), making it easy to unit test,
// and it centralizes naming/tagging behavior, which is an operational
// contract.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	addCount := func(metric string, value float64, tags []string) datadogV2.MetricSeries {
		return datadogV2.MetricSeries{
			Metric: metric,
			Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
			Points: []datadogV2.MetricPoint{
				{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
			},
			Tags: tags,
		}
	}

	series := make([]datadogV2.MetricSeries, 0, len(s.runCounts)+len(s.rowCounts)+64)

	// Run counters.
	for k, v := range s.runCounts {
		if v == 0 {
			continue
		}
		table, status := splitLabelKey(k)
		tags := withTags(b.baseTags, "table:"+table, "status:"+status)
		series = append(series, addCount("flattener.runs.total", v, tags))
	}

	// Row counters.
	for table, v := range s.rowCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "table:"+table)
		series = append(series, addCount("flattener.rows.total", v, tags))
	}

	// HTTP counters.
	for k, v := range s.httpCounts {
		if v == 0 {
			continue
		}
		endpoint, status := splitLabelKey(k)
		tags := withTags(b.baseTags, "endpoint:"+endpoint, "status:"+status)
		series = append(series, addCount("flattener.http.requests.total", v, tags))
	}

	// Run duration percentiles.
	for k, samples := range s.runDurations {
		table, status := splitLabelKey(k)
		tags := withTags(b.baseTags, "table:"+table, "status:"+status)
		addPercentiles(&series, "flattener.run.duration_seconds", tags, samples, nowUnix)
	}

	// Output width percentiles.
	for table, samples := range s.indicatorCol {
		tags := withTags(b.baseTags, "table:"+table)
		addPercentiles(&series, "flattener.indicator_columns", tags, samples, nowUnix)
	}

	// HTTP duration percentiles.
	for k, samples := range s.httpDurations {
		endpoint, status := splitLabelKey(k)
		tags := withTags(b.baseTags, "endpoint:"+endpoint, "status:"+status)
		addPercentiles(&series, "flattener.http.request_duration_seconds", tags, samples, nowUnix)
	}

	return series
}

// addPercentiles appends a fixed set of percentile gauges for a sample set.
//
// Edge cases:
//   - If samples is empty, it does nothing.
//   - It sorts a copy of samples (does not mutate input).
func addPercentiles(series *[]datadogV2.MetricSeries, metricPrefix string, tags []string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series, gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix))
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

// labelKey builds the composite buffer key for a two-label metric.
// "\x00" cannot appear in either part, so the join is unambiguous.
func labelKey(first, second string) string {
	if first == "" {
		first = "unknown"
	}
	if second == "" {
		second = "unknown"
	}
	return first + "\x00" + second
}

func splitLabelKey(k string) (first, second string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:flattener".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
