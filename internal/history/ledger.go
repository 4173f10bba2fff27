package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/scraperd/internal/metrics"
	"github.com/crawlkit/scraperd/internal/scraper"
)

const (
	defaultAutosaveInterval = 30 * time.Second
	defaultFlushEvery       = 25
	fallbackSubdir          = "scraperd-history"
)

// Options tune ledger persistence. Zero values take the defaults above.
type Options struct {
	// AutosaveInterval is the period of the background flush timer.
	AutosaveInterval time.Duration
	// FlushEveryOutcomes forces a flush after this many recorded outcomes.
	FlushEveryOutcomes int
	// FallbackDir receives the document when the primary path is unwritable.
	// Defaults to a well-known directory under os.TempDir().
	FallbackDir string
	Clock       scraper.Clock
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.AutosaveInterval <= 0 {
		o.AutosaveInterval = defaultAutosaveInterval
	}
	if o.FlushEveryOutcomes <= 0 {
		o.FlushEveryOutcomes = defaultFlushEvery
	}
	if o.FallbackDir == "" {
		o.FallbackDir = filepath.Join(os.TempDir(), fallbackSubdir)
	}
	if o.Clock == nil {
		o.Clock = scraper.SystemClock()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Ledger owns one run's history document. All writers serialize through its
// mutex; the autosave goroutine and foreground producers share the same
// critical section. Flushes happen on the autosave timer, after any Warn or
// Error log entry, after every Nth recorded outcome, and on Complete, which
// waits for the final write before returning.
type Ledger struct {
	mu   sync.Mutex
	doc  RunHistory
	path string

	opts               Options
	outcomesSinceFlush int
	usingFallback      bool
	completed          bool

	stop chan struct{}
	done chan struct{}
}

// Open initializes a ledger for one run and starts its autosave timer. The
// target path is not written until the first flush.
func Open(jobID, runToken, trigger string, cfg scraper.JobConfig, path string, opts Options) *Ledger {
	opts = opts.withDefaults()
	l := &Ledger{
		doc: RunHistory{
			JobID:     jobID,
			RunToken:  runToken,
			Trigger:   trigger,
			StartTime: opts.Clock.Now(),
			Config:    cfg,
			Status:    scraper.RunStatusRunning,
		},
		path: path,
		opts: opts,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.autosave()
	return l
}

// AppendLog records a log line. Warn and Error entries flush immediately so
// failures are durable even if the run never completes.
func (l *Ledger) AppendLog(severity scraper.Severity, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completed {
		return
	}
	l.doc.Logs = append(l.doc.Logs, LogEntry{
		TS:       l.opts.Clock.Now(),
		Severity: severity,
		Message:  message,
	})
	if severity == scraper.SeverityError {
		l.doc.Errors = append(l.doc.Errors, message)
	}
	if severity == scraper.SeverityError || severity == scraper.SeverityWarn {
		l.flushLocked()
	}
}

// RecordUnitOutcome appends one unit-of-work result and refreshes aggregates.
// Every Nth outcome triggers a flush to bound write amplification.
func (l *Ledger) RecordUnitOutcome(outcome scraper.UnitOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completed {
		return
	}
	l.doc.Outcomes = append(l.doc.Outcomes, outcome)
	l.doc.recompute(l.opts.Clock.Now())
	metrics.ObserveUnit(outcome.Success, outcome.Bytes)

	l.outcomesSinceFlush++
	if l.outcomesSinceFlush >= l.opts.FlushEveryOutcomes {
		l.flushLocked()
	}
}

// UpdateAggregates folds externally observed figures into the counters.
// Negative queued and zero peakRSS leave the current values untouched;
// the peak only ever ratchets upward.
func (l *Ledger) UpdateAggregates(queued int, peakRSS uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completed {
		return
	}
	if queued >= 0 {
		l.doc.Aggs.Queued = queued
	}
	if peakRSS > l.doc.Aggs.PeakRSSBytes {
		l.doc.Aggs.PeakRSSBytes = peakRSS
	}
	l.doc.recompute(l.opts.Clock.Now())
}

// Complete seals the document with its terminal status, performs the final
// flush, and stops the autosave timer. It blocks until the final write has
// finished so status queries after completion never observe an unsaved
// terminal ledger. Subsequent calls are no-ops.
func (l *Ledger) Complete(success bool, message string) {
	l.mu.Lock()
	if l.completed {
		l.mu.Unlock()
		return
	}
	now := l.opts.Clock.Now()
	l.doc.EndTime = &now
	l.doc.Message = message
	if success {
		l.doc.Status = scraper.RunStatusCompleted
	} else {
		l.doc.Status = scraper.RunStatusFailed
		if message != "" {
			l.doc.Errors = append(l.doc.Errors, message)
		}
	}
	l.doc.recompute(now)
	l.flushLocked()
	l.completed = true
	l.mu.Unlock()

	close(l.stop)
	<-l.done
}

// Snapshot returns a deep copy of the in-memory document.
func (l *Ledger) Snapshot() RunHistory {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.clone()
}

// Path reports where the ledger is currently being persisted; it changes to
// the fallback location after a primary write failure.
func (l *Ledger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

func (l *Ledger) autosave() {
	defer close(l.done)
	ticker := time.NewTicker(l.opts.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			if !l.completed {
				l.flushLocked()
			}
			l.mu.Unlock()
		}
	}
}

// flushLocked serializes the full document and writes it atomically. A
// primary-path failure degrades to the fallback directory with a warning;
// a fallback failure is logged and otherwise ignored so persistence problems
// never abort the run. Caller must hold l.mu.
func (l *Ledger) flushLocked() {
	data, err := json.MarshalIndent(l.doc, "", "  ")
	if err != nil {
		metrics.ObserveHistoryFlush(false)
		l.opts.Logger.Error("marshal run history failed",
			zap.String("job_id", l.doc.JobID),
			zap.String("run_token", l.doc.RunToken),
			zap.Error(err),
		)
		return
	}

	if err := writeAtomic(l.path, data); err != nil {
		if l.usingFallback {
			metrics.ObserveHistoryFlush(false)
			l.opts.Logger.Error("fallback run history write failed",
				zap.String("path", l.path),
				zap.Error(err),
			)
			return
		}
		fallback := filepath.Join(l.opts.FallbackDir, sanitizeSegment(l.doc.JobID), filepath.Base(l.path))
		l.opts.Logger.Warn("primary run history write failed, using fallback",
			zap.String("primary", l.path),
			zap.String("fallback", fallback),
			zap.Error(err),
		)
		l.path = fallback
		l.usingFallback = true
		if err := writeAtomic(l.path, data); err != nil {
			metrics.ObserveHistoryFlush(false)
			l.opts.Logger.Error("fallback run history write failed",
				zap.String("path", l.path),
				zap.Error(err),
			)
			return
		}
	}
	metrics.ObserveHistoryFlush(true)
	l.outcomesSinceFlush = 0
}

// writeAtomic writes data to a sibling temp file and renames it over the
// target, so a crash mid-write leaves the previous snapshot intact.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create history dir %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp history %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace history %s: %w", path, err)
	}
	return nil
}
