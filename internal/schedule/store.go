// Package schedule keeps the in-memory registry of recurring job schedules.
package schedule

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crawlkit/scraperd/internal/cronexpr"
	"github.com/crawlkit/scraperd/internal/scraper"
)

// Entry is the externally visible snapshot of one schedule. Callers always
// receive copies; the store never hands out live references.
type Entry struct {
	ID                string     `json:"id"`
	JobID             string     `json:"job_id"`
	Name              string     `json:"name"`
	Expression        string     `json:"expression"`
	Enabled           bool       `json:"enabled"`
	MaxRuntimeMinutes int        `json:"max_runtime_minutes,omitempty"`
	NextRun           *time.Time `json:"next_run,omitempty"`
	LastRun           *time.Time `json:"last_run,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// entry pairs the snapshot with its compiled schedule.
type entry struct {
	Entry
	sched cronexpr.Schedule
}

// Update carries optional field changes; nil fields are left untouched.
type Update struct {
	Name              *string
	Expression        *string
	Enabled           *bool
	MaxRuntimeMinutes *int
}

// Store holds all schedule entries behind a single mutex. DueNow advances
// fired entries under the same lock, so readers and the due-check never
// observe a torn entry.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   scraper.Clock
	logger  *zap.Logger
}

// NewStore creates an empty Store.
func NewStore(clock scraper.Clock, logger *zap.Logger) *Store {
	if clock == nil {
		clock = scraper.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		entries: make(map[string]*entry),
		clock:   clock,
		logger:  logger,
	}
}

// Create validates the expression, registers a new entry, and computes its
// first occurrence. maxRuntimeMinutes is advisory metadata, never enforced.
// It fails with cronexpr.ErrInvalidExpression on a bad expression and
// registers nothing.
func (s *Store) Create(jobID, name, expression string, enabled bool, maxRuntimeMinutes int) (Entry, error) {
	sched, err := cronexpr.Parse(expression)
	if err != nil {
		return Entry{}, err
	}

	now := s.clock.Now()
	e := &entry{
		Entry: Entry{
			ID:                uuid.NewString(),
			JobID:             jobID,
			Name:              name,
			Expression:        expression,
			Enabled:           enabled,
			MaxRuntimeMinutes: maxRuntimeMinutes,
			CreatedAt:         now,
			UpdatedAt:         now,
		},
		sched: sched,
	}
	if enabled {
		next := cronexpr.Next(sched, now)
		e.NextRun = &next
	}

	s.mu.Lock()
	s.entries[e.ID] = e
	s.mu.Unlock()

	s.logger.Info("schedule created",
		zap.String("schedule_id", e.ID),
		zap.String("job_id", jobID),
		zap.String("expression", expression),
		zap.Bool("enabled", enabled),
	)
	return e.Entry, nil
}

// Update applies the given changes. It returns false when the schedule does
// not exist, and an error (with nothing applied) when the new expression is
// invalid.
func (s *Store) Update(scheduleID string, upd Update) (bool, error) {
	var sched cronexpr.Schedule
	if upd.Expression != nil {
		parsed, err := cronexpr.Parse(*upd.Expression)
		if err != nil {
			return false, err
		}
		sched = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[scheduleID]
	if !ok {
		return false, nil
	}

	if upd.Name != nil {
		e.Name = *upd.Name
	}
	if upd.Expression != nil {
		e.Expression = *upd.Expression
		e.sched = sched
	}
	if upd.Enabled != nil {
		e.Enabled = *upd.Enabled
	}
	if upd.MaxRuntimeMinutes != nil {
		e.MaxRuntimeMinutes = *upd.MaxRuntimeMinutes
	}

	now := s.clock.Now()
	e.UpdatedAt = now
	if e.Enabled {
		next := cronexpr.Next(e.sched, now)
		e.NextRun = &next
	} else {
		e.NextRun = nil
	}
	return true, nil
}

// Remove deletes a schedule, reporting whether it existed.
func (s *Store) Remove(scheduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[scheduleID]; !ok {
		return false
	}
	delete(s.entries, scheduleID)
	return true
}

// Get returns a copy of the entry, if present.
func (s *Store) Get(scheduleID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[scheduleID]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e), true
}

// ListAll returns copies of every entry, ordered by creation time.
func (s *Store) ListAll() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, copyEntry(e))
	}
	sortEntries(out)
	return out
}

// ListForJob returns copies of the entries owned by one job.
func (s *Store) ListForJob(jobID string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.JobID == jobID {
			out = append(out, copyEntry(e))
		}
	}
	sortEntries(out)
	return out
}

// Preview returns the next n occurrences of a schedule after now.
func (s *Store) Preview(scheduleID string, n int) ([]time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[scheduleID]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	sched := e.sched
	s.mu.Unlock()
	return cronexpr.Preview(sched, s.clock.Now(), n), true
}

// DueNow collects the job IDs of every enabled entry whose next occurrence
// has passed, deduplicated so a job with two simultaneously-due schedules
// fires once per check. Fired entries are advanced under the lock:
// lastRun := now and nextRun recomputed strictly after now.
func (s *Store) DueNow(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var due []string
	for _, e := range s.entries {
		if !e.Enabled || e.NextRun == nil || e.NextRun.After(now) {
			continue
		}

		last := now
		next := cronexpr.Next(e.sched, now)
		e.LastRun = &last
		e.NextRun = &next

		s.logger.Info("schedule due",
			zap.String("schedule_id", e.ID),
			zap.String("job_id", e.JobID),
			zap.Time("fired_at", now),
			zap.Time("next_run", next),
		)

		if _, dup := seen[e.JobID]; dup {
			continue
		}
		seen[e.JobID] = struct{}{}
		due = append(due, e.JobID)
	}
	sort.Strings(due)
	return due
}

func copyEntry(e *entry) Entry {
	out := e.Entry
	out.NextRun = copyTime(e.NextRun)
	out.LastRun = copyTime(e.LastRun)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
