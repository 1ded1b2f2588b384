// Package metrics is a tiny facade between the pipeline and a metrics
// backend. The default backend is a nop, so stage code can record
// unconditionally; a real backend is installed once at startup via
// SetBackend.
package metrics

import (
	"fmt"
	"sync"
	"time"
)

// Labels are free-form metric labels (tag key -> value).
type Labels map[string]string

// Backend is the minimal sink interface the pipeline records into.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs the process-wide backend. Call once at startup.
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

// Flush flushes the installed backend.
func Flush() error { return current().Flush() }

// IncCounter and ObserveHistogram forward to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// RecordStage records one stage outcome and its duration.
// Stage is "fetch" or "resolve".
func RecordStage(job, stage string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"job": job, "stage": stage, "status": status}
	IncCounter("etl_stage_total", 1, l)
	ObserveHistogram("etl_stage_duration_seconds", d.Seconds(), l)
}

// RecordRows records rows written to a table.
func RecordRows(job, table string, n int64) {
	if n <= 0 {
		return
	}
	IncCounter("etl_rows_total", float64(n), Labels{"job": job, "table": table})
}

// RecordHTTP records one DHIS2 API request outcome.
func RecordHTTP(job string, status int, err error, reqDur, respDur time.Duration, bytes int64) {
	st := "unknown"
	if status > 0 {
		st = fmt.Sprintf("%d", status)
	}
	l := Labels{"job": job, "status": st}

	IncCounter("etl_http_requests_total", 1, l)
	if err != nil || status >= 400 {
		IncCounter("etl_http_errors_total", 1, l)
	}
	if reqDur >= 0 {
		ObserveHistogram("etl_http_request_duration_seconds", reqDur.Seconds(), l)
	}
	if respDur >= 0 {
		ObserveHistogram("etl_http_response_duration_seconds", respDur.Seconds(), l)
	}
	if bytes >= 0 {
		ObserveHistogram("etl_http_download_bytes", float64(bytes), l)
	}
}
