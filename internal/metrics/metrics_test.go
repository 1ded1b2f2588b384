package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type captureBackend struct {
	mu       sync.Mutex
	counters map[string]float64
	labels   map[string]Labels
	observed map[string][]float64
	flushed  int
}

func newCaptureBackend() *captureBackend {
	return &captureBackend{
		counters: map[string]float64{},
		labels:   map[string]Labels{},
		observed: map[string][]float64{},
	}
}

func (c *captureBackend) IncCounter(name string, delta float64, labels Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += delta
	c.labels[name] = labels
}

func (c *captureBackend) ObserveHistogram(name string, value float64, labels Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed[name] = append(c.observed[name], value)
	c.labels[name] = labels
}

func (c *captureBackend) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushed++
	return nil
}

// withBackend installs b for the duration of the test.
// Tests using it must not run in parallel: the backend is process-wide.
func withBackend(t *testing.T, b Backend) {
	t.Helper()
	SetBackend(b)
	t.Cleanup(func() { SetBackend(nil) })
}

func TestRecordStage(t *testing.T) {
	b := newCaptureBackend()
	withBackend(t, b)

	RecordStage("dhis2_etl", "fetch", nil, 1500*time.Millisecond)
	RecordStage("dhis2_etl", "resolve", errors.New("boom"), time.Second)

	if got := b.counters["etl_stage_total"]; got != 2 {
		t.Fatalf("etl_stage_total=%v, want 2", got)
	}
	if got := b.labels["etl_stage_total"]["status"]; got != "error" {
		t.Fatalf("last stage status=%q, want error", got)
	}
	if got := len(b.observed["etl_stage_duration_seconds"]); got != 2 {
		t.Fatalf("duration samples=%d, want 2", got)
	}
}

func TestRecordRows_IgnoresNonPositive(t *testing.T) {
	b := newCaptureBackend()
	withBackend(t, b)

	RecordRows("dhis2_etl", "dhis2_raw_values", 0)
	RecordRows("dhis2_etl", "dhis2_raw_values", -5)
	RecordRows("dhis2_etl", "dhis2_raw_values", 42)

	if got := b.counters["etl_rows_total"]; got != 42 {
		t.Fatalf("etl_rows_total=%v, want 42", got)
	}
}

func TestRecordHTTP(t *testing.T) {
	b := newCaptureBackend()
	withBackend(t, b)

	RecordHTTP("dhis2_etl", 200, nil, 20*time.Millisecond, 30*time.Millisecond, 1024)
	RecordHTTP("dhis2_etl", 401, nil, 5*time.Millisecond, 5*time.Millisecond, 0)
	RecordHTTP("dhis2_etl", 0, errors.New("dial timeout"), -1, -1, -1)

	if got := b.counters["etl_http_requests_total"]; got != 3 {
		t.Fatalf("etl_http_requests_total=%v, want 3", got)
	}
	if got := b.counters["etl_http_errors_total"]; got != 2 {
		t.Fatalf("etl_http_errors_total=%v, want 2", got)
	}
	// The network-failure request has no durations to observe.
	if got := len(b.observed["etl_http_request_duration_seconds"]); got != 2 {
		t.Fatalf("request duration samples=%d, want 2", got)
	}
	if got := b.labels["etl_http_requests_total"]["status"]; got != "unknown" {
		t.Fatalf("last status label=%q, want unknown", got)
	}
}

func TestSetBackend_NilRestoresNop(t *testing.T) {
	b := newCaptureBackend()
	SetBackend(b)
	SetBackend(nil)

	// Must not panic and must not reach the old backend.
	IncCounter("etl_stage_total", 1, nil)
	if err := Flush(); err != nil {
		t.Fatalf("Flush on nop backend: %v", err)
	}
	if got := b.counters["etl_stage_total"]; got != 0 {
		t.Fatalf("old backend received %v increments after reset", got)
	}
}
