package scraper

import (
	"context"
	"time"
)

// Reporter is the sink a job body uses to stream progress into the run
// history. Implementations are safe for concurrent use.
type Reporter interface {
	// Log appends a timestamped entry to the run's log.
	Log(severity Severity, message string)
	// RecordUnit appends one unit-of-work outcome and refreshes aggregates.
	RecordUnit(outcome UnitOutcome)
	// SetQueued records how many units the body expects to process.
	SetQueued(n int)
}

// JobBody is the opaque unit of execution the orchestrator drives. It must
// honor ctx cancellation at its own granularity, typically between units of
// work, and report progress through the Reporter.
type JobBody interface {
	Execute(ctx context.Context, cfg JobConfig, rep Reporter) error
}

// Notifier receives fire-and-forget lifecycle events. Delivery failures must
// never fail the job; implementations log and swallow their own errors.
type Notifier interface {
	Notify(jobID string, event Event, message string)
}

// Clock abstracts wall-clock reads so schedules and run timelines are
// testable with fixed instants.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
