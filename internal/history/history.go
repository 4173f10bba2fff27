// Package history persists the durable record of each job run: its log
// lines, per-unit outcomes, and aggregate counters. Writes go through a
// write-to-temp-then-rename cycle so readers never observe a torn document.
package history

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/crawlkit/scraperd/internal/scraper"
)

// LogEntry is one timestamped line in a run's log, insertion-ordered.
type LogEntry struct {
	TS       time.Time        `json:"ts"`
	Severity scraper.Severity `json:"severity"`
	Message  string           `json:"message"`
}

// Aggregates holds the running counters recomputed on each ledger update.
type Aggregates struct {
	Queued           int     `json:"queued"`
	TotalProcessed   int     `json:"total_processed"`
	Succeeded        int     `json:"succeeded"`
	Failed           int     `json:"failed"`
	TotalBytes       int64   `json:"total_bytes"`
	AvgUnitMillis    float64 `json:"avg_unit_millis"`
	ThroughputPerSec float64 `json:"throughput_per_sec"`
	PeakRSSBytes     uint64  `json:"peak_rss_bytes"`
}

// RunHistory is the full persisted document for one execution attempt.
// Append-only except for Aggregates; never mutated after the terminal write.
type RunHistory struct {
	JobID     string                `json:"job_id"`
	RunToken  string                `json:"run_token"`
	Trigger   string                `json:"trigger,omitempty"`
	StartTime time.Time             `json:"start_time"`
	EndTime   *time.Time            `json:"end_time,omitempty"`
	Config    scraper.JobConfig     `json:"config"`
	Logs      []LogEntry            `json:"logs"`
	Outcomes  []scraper.UnitOutcome `json:"outcomes"`
	Aggs      Aggregates            `json:"aggregates"`
	Errors    []string              `json:"errors,omitempty"`
	Status    scraper.RunStatus     `json:"status"`
	Message   string                `json:"message,omitempty"`
}

// clone deep-copies the document so callers never share ledger-owned slices.
func (h RunHistory) clone() RunHistory {
	out := h
	if h.EndTime != nil {
		t := *h.EndTime
		out.EndTime = &t
	}
	out.Logs = append([]LogEntry(nil), h.Logs...)
	out.Outcomes = append([]scraper.UnitOutcome(nil), h.Outcomes...)
	out.Errors = append([]string(nil), h.Errors...)
	return out
}

// recompute refreshes the aggregate counters from the recorded outcomes.
// Elapsed time runs to EndTime once terminal, otherwise to now. Zero counts
// and zero elapsed yield zero aggregates, never a division error.
func (h *RunHistory) recompute(now time.Time) {
	var (
		succeeded int
		failed    int
		bytes     int64
		durSum    time.Duration
	)
	for _, o := range h.Outcomes {
		if o.Success {
			succeeded++
		} else {
			failed++
		}
		bytes += o.Bytes
		durSum += o.Duration
	}

	h.Aggs.TotalProcessed = len(h.Outcomes)
	h.Aggs.Succeeded = succeeded
	h.Aggs.Failed = failed
	h.Aggs.TotalBytes = bytes

	h.Aggs.AvgUnitMillis = 0
	if len(h.Outcomes) > 0 {
		h.Aggs.AvgUnitMillis = float64(durSum.Milliseconds()) / float64(len(h.Outcomes))
	}

	end := now
	if h.EndTime != nil {
		end = *h.EndTime
	}
	elapsed := end.Sub(h.StartTime).Seconds()
	h.Aggs.ThroughputPerSec = 0
	if elapsed > 0 {
		h.Aggs.ThroughputPerSec = float64(len(h.Outcomes)) / elapsed
	}
}

// NewRunToken mints a wall-clock-derived, monotonically sortable run token.
func NewRunToken(now time.Time) string {
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(now), rand.Reader).String())
}
