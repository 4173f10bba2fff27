// Package cronexpr parses recurrence expressions and computes occurrences.
package cronexpr

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidExpression marks a malformed recurrence expression. Schedule
// creation fails fast on it rather than silently never firing.
var ErrInvalidExpression = errors.New("invalid cron expression")

// parser supports standard 5-field cron expressions and descriptors like @hourly.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule computes occurrence instants for a parsed expression.
type Schedule = cron.Schedule

// Parse validates and compiles a cron expression.
func Parse(expr string) (Schedule, error) {
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	return s, nil
}

// Next returns the first occurrence strictly after the given instant.
func Next(s Schedule, after time.Time) time.Time {
	return s.Next(after)
}

// Preview returns the next n occurrences after the given instant. The
// sequence is strictly increasing and gap-free: each step feeds the previous
// occurrence back into the schedule.
func Preview(s Schedule, after time.Time, n int) []time.Time {
	if n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	t := after
	for i := 0; i < n; i++ {
		t = s.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out
}
