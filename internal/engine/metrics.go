package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// metrics tracks operational counters across the pipeline.
var metrics struct {
	Runs             atomic.Int64
	RunFailures      atomic.Int64
	TrackerRequests  atomic.Int64
	TrackerRetries   atomic.Int64
	MalformedItems   atomic.Int64
	ResumeDownloads  atomic.Int64
	ExtractFailures  atomic.Int64
	LLMCalls         atomic.Int64
	LLMErrors        atomic.Int64
	ValidationErrors atomic.Int64
	RowsAppended     atomic.Int64
	ArchiveUploads   atomic.Int64
	ArchiveErrors    atomic.Int64
	EventsPublished  atomic.Int64
}

var metricKeys = []string{
	"runs", "run_failures",
	"tracker_requests", "tracker_retries", "malformed_items",
	"resume_downloads", "extract_failures",
	"llm_calls", "llm_errors", "validation_errors",
	"rows_appended",
	"archive_uploads", "archive_errors",
	"events_published",
	"cache_hits", "cache_misses",
}

// GetMetrics returns a snapshot of all metrics including cache stats.
func GetMetrics() map[string]int64 {
	hits, misses := CacheStats()
	return map[string]int64{
		"runs":              metrics.Runs.Load(),
		"run_failures":      metrics.RunFailures.Load(),
		"tracker_requests":  metrics.TrackerRequests.Load(),
		"tracker_retries":   metrics.TrackerRetries.Load(),
		"malformed_items":   metrics.MalformedItems.Load(),
		"resume_downloads":  metrics.ResumeDownloads.Load(),
		"extract_failures":  metrics.ExtractFailures.Load(),
		"llm_calls":         metrics.LLMCalls.Load(),
		"llm_errors":        metrics.LLMErrors.Load(),
		"validation_errors": metrics.ValidationErrors.Load(),
		"rows_appended":     metrics.RowsAppended.Load(),
		"archive_uploads":   metrics.ArchiveUploads.Load(),
		"archive_errors":    metrics.ArchiveErrors.Load(),
		"events_published":  metrics.EventsPublished.Load(),
		"cache_hits":        hits,
		"cache_misses":      misses,
	}
}

// FormatMetrics returns metrics as a simple text format for HTTP endpoint.
func FormatMetrics() string {
	m := GetMetrics()
	var sb strings.Builder
	for _, k := range metricKeys {
		fmt.Fprintf(&sb, "%s %d\n", k, m[k])
	}
	return sb.String()
}

// Incrementors for sub-packages.
func IncrRuns()             { metrics.Runs.Add(1) }
func IncrRunFailures()      { metrics.RunFailures.Add(1) }
func IncrTrackerRequests()  { metrics.TrackerRequests.Add(1) }
func IncrTrackerRetries()   { metrics.TrackerRetries.Add(1) }
func IncrMalformedItems()   { metrics.MalformedItems.Add(1) }
func IncrResumeDownloads()  { metrics.ResumeDownloads.Add(1) }
func IncrExtractFailures()  { metrics.ExtractFailures.Add(1) }
func IncrLLMCalls()         { metrics.LLMCalls.Add(1) }
func IncrLLMErrors()        { metrics.LLMErrors.Add(1) }
func IncrValidationErrors() { metrics.ValidationErrors.Add(1) }
func AddRowsAppended(n int) { metrics.RowsAppended.Add(int64(n)) }
func IncrArchiveUploads()   { metrics.ArchiveUploads.Add(1) }
func IncrArchiveErrors()    { metrics.ArchiveErrors.Add(1) }
func IncrEventsPublished()  { metrics.EventsPublished.Add(1) }

// TrackOperation logs a warning if an operation takes longer than threshold.
func TrackOperation(ctx context.Context, name string, threshold time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	if elapsed > threshold {
		slog.Warn("slow operation", slog.String("op", name), slog.Duration("elapsed", elapsed))
	} else {
		slog.Debug("operation done", slog.String("op", name), slog.Duration("elapsed", elapsed))
	}
	return err
}
