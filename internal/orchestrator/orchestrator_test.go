package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlkit/scraperd/internal/history"
	"github.com/crawlkit/scraperd/internal/schedule"
	"github.com/crawlkit/scraperd/internal/scraper"
)

// fixedClock returns a settable instant.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// fakeBody is a scriptable job body.
type fakeBody struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, cfg scraper.JobConfig, rep scraper.Reporter) error
}

func (b *fakeBody) Execute(ctx context.Context, cfg scraper.JobConfig, rep scraper.Reporter) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.fn == nil {
		return nil
	}
	return b.fn(ctx, cfg, rep)
}

func (b *fakeBody) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// recordingNotifier captures delivered events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []scraper.Event
}

func (n *recordingNotifier) Notify(_ string, event scraper.Event, _ string) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *recordingNotifier) has(event scraper.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	orch      *Orchestrator
	schedules *schedule.Store
	clock     *fixedClock
	body      *fakeBody
	notifier  *recordingNotifier
}

func newFixture(t *testing.T, body *fakeBody) *fixture {
	t.Helper()
	dir := t.TempDir()
	clock := &fixedClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	schedules := schedule.NewStore(clock, nil)
	histories := history.NewStore(dir, filepath.Join(dir, "fallback"), nil)
	notifier := &recordingNotifier{}
	orch := New(schedules, histories, body, notifier, clock, nil, Options{
		MonitorPeriod:   time.Hour, // ticks are driven manually in tests
		HeartbeatPeriod: 10 * time.Millisecond,
		History: history.Options{
			AutosaveInterval: time.Hour,
			FallbackDir:      filepath.Join(dir, "fallback"),
		},
	})
	t.Cleanup(orch.Close)
	return &fixture{orch: orch, schedules: schedules, clock: clock, body: body, notifier: notifier}
}

func waitIdle(t *testing.T, orch *Orchestrator, jobID string) scraper.JobState {
	t.Helper()
	var state scraper.JobState
	require.Eventually(t, func() bool {
		s, ok := orch.Status(jobID)
		if !ok || s.Running {
			return false
		}
		state = s
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return state
}

func monitoredConfig(id string) scraper.JobConfig {
	return scraper.JobConfig{ID: id, Name: id, Monitor: true, MonitorInterval: 10 * time.Minute}
}

// TestStartUnknownJob returns NotFound without launching anything.
func TestStartUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBody{})
	require.Equal(t, scraper.StartNotFound, f.orch.Start("ghost"))
	require.Equal(t, scraper.StopNotFound, f.orch.Stop("ghost"))
	require.Zero(t, f.body.callCount())
}

// TestStartInvalidConfig rejects a bad snapshot synchronously; state stays untouched.
func TestStartInvalidConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBody{})
	require.NoError(t, f.orch.Register(scraper.JobConfig{ID: "bad", Monitor: true}))

	require.Equal(t, scraper.StartConfigInvalid, f.orch.Start("bad"))
	state, ok := f.orch.Status("bad")
	require.True(t, ok)
	require.False(t, state.Running)
	require.Nil(t, state.StartTime)
	require.Zero(t, f.body.callCount())
}

// TestConcurrentStartsSingleExecution is the at-most-one-running invariant:
// many racing starts collapse to exactly one execution.
func TestConcurrentStartsSingleExecution(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	body := &fakeBody{fn: func(ctx context.Context, _ scraper.JobConfig, _ scraper.Reporter) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
	f := newFixture(t, body)
	require.NoError(t, f.orch.Register(scraper.JobConfig{ID: "job-x", Name: "X"}))

	const racers = 16
	results := make(chan scraper.StartResult, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- f.orch.Start("job-x")
		}()
	}
	wg.Wait()
	close(results)

	var started, already int
	for res := range results {
		switch res {
		case scraper.StartStarted:
			started++
		case scraper.StartAlreadyRunning:
			already++
		default:
			t.Fatalf("unexpected result %v", res)
		}
	}
	require.Equal(t, 1, started)
	require.Equal(t, racers-1, already)

	close(release)
	waitIdle(t, f.orch, "job-x")
	require.Equal(t, 1, f.body.callCount())
}

// TestRunLifecycleSuccess walks a run from Start to Completed.
func TestRunLifecycleSuccess(t *testing.T) {
	t.Parallel()

	body := &fakeBody{fn: func(_ context.Context, _ scraper.JobConfig, rep scraper.Reporter) error {
		rep.SetQueued(2)
		rep.Log(scraper.SeverityInfo, "fetching")
		rep.RecordUnit(scraper.UnitOutcome{Target: "https://example.com", Success: true, Bytes: 10, Duration: time.Millisecond})
		rep.RecordUnit(scraper.UnitOutcome{Target: "https://example.org", Success: true, Bytes: 20, Duration: 3 * time.Millisecond})
		return nil
	}}
	f := newFixture(t, body)
	require.NoError(t, f.orch.Register(scraper.JobConfig{ID: "job-x", Name: "X"}))

	require.Equal(t, scraper.StartStarted, f.orch.Start("job-x"))

	state := waitIdle(t, f.orch, "job-x")
	require.Equal(t, "completed", state.Message)
	require.False(t, state.HasErrors)
	require.NotNil(t, state.StartTime)
	require.NotNil(t, state.EndTime)
	require.NotEmpty(t, state.LastRunToken)

	doc, err := f.orch.GetRunHistory("job-x", "")
	require.NoError(t, err)
	require.Equal(t, scraper.RunStatusCompleted, doc.Status)
	require.Equal(t, state.LastRunToken, doc.RunToken)
	require.Equal(t, 2, doc.Aggs.TotalProcessed)
	require.Equal(t, 2, doc.Aggs.Queued)
	require.Equal(t, int64(30), doc.Aggs.TotalBytes)
	require.InDelta(t, 2.0, doc.Aggs.AvgUnitMillis, 0.001)

	require.True(t, f.notifier.has(scraper.EventStarted))
	require.True(t, f.notifier.has(scraper.EventCompleted))
}

// TestRunFailureRecorded checks failures land in state and history, and are
// never surfaced to the Start caller.
func TestRunFailureRecorded(t *testing.T) {
	t.Parallel()

	body := &fakeBody{fn: func(context.Context, scraper.JobConfig, scraper.Reporter) error {
		return errors.New("no pages fetched")
	}}
	f := newFixture(t, body)
	require.NoError(t, f.orch.Register(scraper.JobConfig{ID: "job-x"}))

	require.Equal(t, scraper.StartStarted, f.orch.Start("job-x"))

	state := waitIdle(t, f.orch, "job-x")
	require.True(t, state.HasErrors)
	require.Equal(t, "no pages fetched", state.LastError)
	require.Equal(t, "failed", state.Message)

	doc, err := f.orch.GetRunHistory("job-x", "")
	require.NoError(t, err)
	require.Equal(t, scraper.RunStatusFailed, doc.Status)
	require.Contains(t, doc.Errors, "no pages fetched")
	require.True(t, f.notifier.has(scraper.EventError))

	// A terminal run can be re-started.
	require.Equal(t, scraper.StartStarted, f.orch.Start("job-x"))
	waitIdle(t, f.orch, "job-x")
	require.Equal(t, 2, f.body.callCount())
}

// TestStopCancelsRun covers cooperative cancellation and the NotRunning status.
func TestStopCancelsRun(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	body := &fakeBody{fn: func(ctx context.Context, _ scraper.JobConfig, _ scraper.Reporter) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}}
	f := newFixture(t, body)
	require.NoError(t, f.orch.Register(scraper.JobConfig{ID: "job-x"}))

	require.Equal(t, scraper.StopNotRunning, f.orch.Stop("job-x"))
	require.Equal(t, scraper.StartStarted, f.orch.Start("job-x"))
	<-entered

	require.Equal(t, scraper.StopStopped, f.orch.Stop("job-x"))
	require.Equal(t, scraper.StopNotRunning, f.orch.Stop("job-x"))

	state, ok := f.orch.Status("job-x")
	require.True(t, ok)
	require.False(t, state.Running)
	require.NotNil(t, state.EndTime)

	require.Eventually(t, func() bool {
		doc, err := f.orch.GetRunHistory("job-x", "")
		return err == nil && doc.Status == scraper.RunStatusFailed
	}, 5*time.Second, 5*time.Millisecond)
	require.True(t, f.notifier.has(scraper.EventStopped))

	final, _ := f.orch.Status("job-x")
	require.Equal(t, "stopped", final.Message)
}

// TestLateFoldAfterRestartLeavesNewRunAlone covers the Stop-then-Start window:
// a stopped run that is slow to honor cancellation finalizes after its
// successor has launched, and that late fold must not mark the successor idle
// or strand its cancel handle.
func TestLateFoldAfterRestartLeavesNewRunAlone(t *testing.T) {
	t.Parallel()

	releaseFirst := make(chan struct{})
	var call int32
	body := &fakeBody{fn: func(ctx context.Context, _ scraper.JobConfig, _ scraper.Reporter) error {
		if atomic.AddInt32(&call, 1) == 1 {
			// Slow to observe cancellation: keeps winding down after Stop.
			<-releaseFirst
			return ctx.Err()
		}
		<-ctx.Done()
		return ctx.Err()
	}}
	f := newFixture(t, body)
	require.NoError(t, f.orch.Register(scraper.JobConfig{ID: "job-x"}))

	require.Equal(t, scraper.StartStarted, f.orch.Start("job-x"))
	first, _ := f.orch.Status("job-x")
	require.Equal(t, scraper.StopStopped, f.orch.Stop("job-x"))

	require.Equal(t, scraper.StartStarted, f.orch.Start("job-x"))
	second, _ := f.orch.Status("job-x")
	require.NotEqual(t, first.LastRunToken, second.LastRunToken)

	// Let the first run finalize while the second is in flight.
	close(releaseFirst)
	require.Eventually(t, func() bool {
		doc, err := f.orch.GetRunHistory("job-x", first.LastRunToken)
		return err == nil && doc.Status == scraper.RunStatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	state, ok := f.orch.Status("job-x")
	require.True(t, ok)
	require.True(t, state.Running, "second run must still be visible as running")
	require.Equal(t, second.LastRunToken, state.LastRunToken)

	// The second run's cancel handle is intact.
	require.Equal(t, scraper.StopStopped, f.orch.Stop("job-x"))
	waitIdle(t, f.orch, "job-x")
	require.Equal(t, int32(2), atomic.LoadInt32(&call))
}

// TestPanicIsSupervised ensures a panicking body still finalizes state.
func TestPanicIsSupervised(t *testing.T) {
	t.Parallel()

	body := &fakeBody{fn: func(context.Context, scraper.JobConfig, scraper.Reporter) error {
		panic("boom")
	}}
	f := newFixture(t, body)
	require.NoError(t, f.orch.Register(scraper.JobConfig{ID: "job-x"}))

	require.Equal(t, scraper.StartStarted, f.orch.Start("job-x"))
	state := waitIdle(t, f.orch, "job-x")
	require.True(t, state.HasErrors)
	require.Contains(t, state.LastError, "panic")

	doc, err := f.orch.GetRunHistory("job-x", "")
	require.NoError(t, err)
	require.Equal(t, scraper.RunStatusFailed, doc.Status)
}

// TestStatusReturnsSnapshot guards against callers mutating registry state.
func TestStatusReturnsSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBody{})
	require.NoError(t, f.orch.Register(scraper.JobConfig{ID: "job-x"}))
	require.Equal(t, scraper.StartStarted, f.orch.Start("job-x"))
	waitIdle(t, f.orch, "job-x")

	state, _ := f.orch.Status("job-x")
	*state.StartTime = time.Time{}
	state.Message = "mutated"

	again, _ := f.orch.Status("job-x")
	require.Equal(t, "completed", again.Message)
	require.False(t, again.StartTime.IsZero())
}

// TestMonitorTickStartsIdleJobs exercises the idle-monitor trigger path and
// its check-interval gating.
func TestMonitorTickStartsIdleJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBody{})
	require.NoError(t, f.orch.Register(monitoredConfig("job-m")))

	t0 := f.clock.Now()
	f.orch.tick(t0)
	waitIdle(t, f.orch, "job-m")
	require.Equal(t, 1, f.body.callCount())

	// Inside the check interval: no new run.
	f.orch.tick(t0.Add(time.Minute))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, f.body.callCount())

	// Past the interval: fires again.
	f.clock.set(t0.Add(11 * time.Minute))
	f.orch.tick(t0.Add(11 * time.Minute))
	waitIdle(t, f.orch, "job-m")
	require.Equal(t, 2, f.body.callCount())

	doc, err := f.orch.GetRunHistory("job-m", "")
	require.NoError(t, err)
	require.Equal(t, "monitor", doc.Trigger)
}

// TestScheduleTriggerTakesPrecedence: when a job is both schedule-due and
// monitor-due in the same tick, exactly one run starts, attributed to the
// schedule.
func TestScheduleTriggerTakesPrecedence(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBody{})
	require.NoError(t, f.orch.Register(monitoredConfig("job-m")))
	_, err := f.schedules.Create("job-m", "every-five", "*/5 * * * *", true, 0)
	require.NoError(t, err)

	fireAt := f.clock.Now().Add(5 * time.Minute)
	f.clock.set(fireAt)
	f.orch.tick(fireAt)

	waitIdle(t, f.orch, "job-m")
	require.Equal(t, 1, f.body.callCount())

	doc, err := f.orch.GetRunHistory("job-m", "")
	require.NoError(t, err)
	require.Equal(t, "schedule", doc.Trigger)
}

// TestEndToEndScenario is the scripted scenario: schedule creation, due-check
// advancement, concurrent start, and terminal status.
func TestEndToEndScenario(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	body := &fakeBody{fn: func(ctx context.Context, _ scraper.JobConfig, rep scraper.Reporter) error {
		rep.RecordUnit(scraper.UnitOutcome{Target: "https://example.com", Success: true, Bytes: 5, Duration: time.Millisecond})
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
	f := newFixture(t, body)
	require.NoError(t, f.orch.Register(scraper.JobConfig{ID: "X", Name: "X"}))

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.clock.set(t0)
	entry, err := f.schedules.Create("X", "every-five", "*/5 * * * *", true, 0)
	require.NoError(t, err)
	require.Equal(t, t0.Add(5*time.Minute), *entry.NextRun)

	fireAt := t0.Add(5 * time.Minute)
	f.clock.set(fireAt)
	due := f.schedules.DueNow(fireAt)
	require.Equal(t, []string{"X"}, due)

	advanced, ok := f.schedules.Get(entry.ID)
	require.True(t, ok)
	require.Equal(t, fireAt, *advanced.LastRun)
	require.Equal(t, t0.Add(10*time.Minute), *advanced.NextRun)

	require.Equal(t, scraper.StartStarted, f.orch.Start("X"))
	require.Equal(t, scraper.StartAlreadyRunning, f.orch.Start("X"))

	close(release)
	state := waitIdle(t, f.orch, "X")
	require.False(t, state.Running)

	doc, err := f.orch.GetRunHistory("X", "")
	require.NoError(t, err)
	require.Equal(t, scraper.RunStatusCompleted, doc.Status)
	require.Equal(t, 1, doc.Aggs.Succeeded)
}

// TestGetRunHistoryByToken reads a specific persisted run back from disk.
func TestGetRunHistoryByToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBody{})
	require.NoError(t, f.orch.Register(scraper.JobConfig{ID: "job-x"}))

	require.Equal(t, scraper.StartStarted, f.orch.Start("job-x"))
	first := waitIdle(t, f.orch, "job-x").LastRunToken

	f.clock.set(f.clock.Now().Add(time.Minute))
	require.Equal(t, scraper.StartStarted, f.orch.Start("job-x"))
	second := waitIdle(t, f.orch, "job-x").LastRunToken
	require.NotEqual(t, first, second)

	doc, err := f.orch.GetRunHistory("job-x", first)
	require.NoError(t, err)
	require.Equal(t, first, doc.RunToken)

	_, err = f.orch.GetRunHistory("ghost", "")
	require.ErrorIs(t, err, history.ErrNotFound)

	_, err = f.orch.GetRunHistory("job-x", fmt.Sprintf("%s-missing", first))
	require.ErrorIs(t, err, history.ErrNotFound)
}
