// Package datadog implements a Datadog backend for the internal/metrics
// facade.
//
// The backend buffers metrics in memory and submits them on Flush():
// a periodic flush loop gives long fetch runs a real time series, and a
// final Flush() on Close() covers short runs. If the process dies with
// SIGKILL/OOM the tail window is lost; no backend can fix that.
//
// Concurrency model:
//   - pipeline goroutines call IncCounter/ObserveHistogram at any time
//   - Flush snapshots+resets buffers under a mutex, then submits out-of-lock
//   - the flush loop calls Flush() periodically; Close() stops the loop
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"dhis2etl/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "dhis2_etl".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "service:etl"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets them; unit tests
	// set them to avoid real network submission and nondeterministic
	// clocks/tickers.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal submission interface.
//
// The Datadog SDK exposes a concrete *datadogV2.MetricsApi; depending on
// this tiny private interface instead lets tests submit to a fake.
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

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	stageCounts    map[string]float64 // stage\x00status -> count
	rowCounts      map[string]float64 // table -> rows
	stageDurations map[string][]float64

	httpReqCounts map[string]float64 // status -> count
	httpErrCounts map[string]float64
	httpReqDur    map[string][]float64
	httpRespDur   map[string][]float64
	httpDownloadB map[string][]float64
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
// Close must be called exactly once; a second call panics on the closed
// stop channel, matching the usual "close once" contract for
// process-lifetime backends.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// NewBackend constructs a Datadog backend using the official client.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "dhis2_etl".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//
// Network errors surface from Flush(), not from construction.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "dhis2_etl"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: newTicker,

		stageCounts:    make(map[string]float64),
		rowCounts:      make(map[string]float64),
		stageDurations: make(map[string][]float64),

		httpReqCounts: make(map[string]float64),
		httpErrCounts: make(map[string]float64),
		httpReqDur:    make(map[string][]float64),
		httpRespDur:   make(map[string][]float64),
		httpDownloadB: make(map[string][]float64),
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
	case "etl_stage_total":
		b.stageCounts[stageStatusKey(labels["stage"], labels["status"])] += delta

	case "etl_rows_total":
		table := labels["table"]
		if table == "" {
			return
		}
		b.rowCounts[table] += delta

	case "etl_http_requests_total":
		b.httpReqCounts[statusLabel(labels)] += delta

	case "etl_http_errors_total":
		b.httpErrCounts[statusLabel(labels)] += delta

	default:
		// Unknown counters are ignored.
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
	case "etl_stage_duration_seconds":
		k := stageStatusKey(labels["stage"], labels["status"])
		b.stageDurations[k] = append(b.stageDurations[k], value)

	case "etl_http_request_duration_seconds":
		s := statusLabel(labels)
		b.httpReqDur[s] = append(b.httpReqDur[s], value)

	case "etl_http_response_duration_seconds":
		s := statusLabel(labels)
		b.httpRespDur[s] = append(b.httpRespDur[s], value)

	case "etl_http_download_bytes":
		s := statusLabel(labels)
		b.httpDownloadB[s] = append(b.httpDownloadB[s], value)

	default:
		// Unknown histograms are ignored.
	}
}

func statusLabel(labels metrics.Labels) string {
	if s := labels["status"]; s != "" {
		return s
	}
	return "unknown"
}

// snapshot is the buffered metric state taken by one Flush().
//
// Flush must reset buffers under a lock but submit out-of-lock; snapshot
// separates collect+reset from payload building+submission.
type snapshot struct {
	stageCounts    map[string]float64
	rowCounts      map[string]float64
	stageDurations map[string][]float64

	httpReqCounts map[string]float64
	httpErrCounts map[string]float64
	httpReqDur    map[string][]float64
	httpRespDur   map[string][]float64
	httpDownloadB map[string][]float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		stageCounts:    b.stageCounts,
		rowCounts:      b.rowCounts,
		stageDurations: b.stageDurations,

		httpReqCounts: b.httpReqCounts,
		httpErrCounts: b.httpErrCounts,
		httpReqDur:    b.httpReqDur,
		httpRespDur:   b.httpRespDur,
		httpDownloadB: b.httpDownloadB,
	}

	b.stageCounts = make(map[string]float64)
	b.rowCounts = make(map[string]float64)
	b.stageDurations = make(map[string][]float64)

	b.httpReqCounts = make(map[string]float64)
	b.httpErrCounts = make(map[string]float64)
	b.httpReqDur = make(map[string][]float64)
	b.httpRespDur = make(map[string][]float64)
	b.httpDownloadB = make(map[string][]float64)

	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.stageCounts) == 0 &&
		len(s.rowCounts) == 0 &&
		len(s.stageDurations) == 0 &&
		len(s.httpReqCounts) == 0 &&
		len(s.httpErrCounts) == 0 &&
		len(s.httpReqDur) == 0 &&
		len(s.httpRespDur) == 0 &&
		len(s.httpDownloadB) == 0
}

// Flush submits buffered metrics to Datadog and resets local buffers.
//
// Buffers are reset even when submission fails, so a Datadog outage slows
// nothing down and loses only that window.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	series := b.buildSeries(snap, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed
// timestamp. It is pure (no locks, no network, no clocks), which keeps the
// naming/tagging contract unit-testable.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.stageCounts)+len(s.rowCounts)+64)

	for k, v := range s.stageCounts {
		if v == 0 {
			continue
		}
		stage, status := splitStageStatusKey(k)
		tags := withTags(b.baseTags, "stage:"+stage, "status:"+status)
		series = append(series, countSeries("dhis2_etl.stage.total", v, tags, nowUnix))
	}

	for table, v := range s.rowCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "table:"+table)
		series = append(series, countSeries("dhis2_etl.rows.total", v, tags, nowUnix))
	}

	for k, samples := range s.stageDurations {
		stage, status := splitStageStatusKey(k)
		tags := withTags(b.baseTags, "stage:"+stage, "status:"+status)
		addPercentiles(&series, "dhis2_etl.stage.duration_seconds", samples, tags, nowUnix)
	}

	for status, v := range s.httpReqCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "status:"+status)
		series = append(series, countSeries("dhis2_etl.http.requests.total", v, tags, nowUnix))
	}
	for status, v := range s.httpErrCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "status:"+status)
		series = append(series, countSeries("dhis2_etl.http.errors.total", v, tags, nowUnix))
	}

	for status, samples := range s.httpReqDur {
		tags := withTags(b.baseTags, "status:"+status)
		addPercentiles(&series, "dhis2_etl.http.request_duration_seconds", samples, tags, nowUnix)
	}
	for status, samples := range s.httpRespDur {
		tags := withTags(b.baseTags, "status:"+status)
		addPercentiles(&series, "dhis2_etl.http.response_duration_seconds", samples, tags, nowUnix)
	}
	for status, samples := range s.httpDownloadB {
		tags := withTags(b.baseTags, "status:"+status)
		addPercentiles(&series, "dhis2_etl.http.download_bytes", samples, tags, nowUnix)
	}

	return series
}

// addPercentiles appends a fixed set of percentile gauges for a sample set.
// It sorts a copy; the input is not mutated. Empty samples add nothing.
func addPercentiles(series *[]datadogV2.MetricSeries, metricPrefix string, samples []float64, tags []string, nowUnix int64) {
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

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
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

func stageStatusKey(stage, status string) string {
	return stage + "\x00" + status
}

func splitStageStatusKey(k string) (stage, status string) {
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

// ParseTagsCSV parses comma-separated tags like "env:prod,service:etl".
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

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
