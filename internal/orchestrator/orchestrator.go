// Package orchestrator coordinates job lifecycles: it registers job
// configurations, enforces at-most-one running execution per job identity,
// launches supervised background runs, and folds their terminal outcomes
// back into shared state.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/scraperd/internal/history"
	"github.com/crawlkit/scraperd/internal/schedule"
	"github.com/crawlkit/scraperd/internal/scraper"
)

const (
	defaultMonitorPeriod   = 60 * time.Second
	defaultHeartbeatPeriod = 5 * time.Second
)

// Options tune the orchestrator's timers and ledger persistence.
type Options struct {
	// MonitorPeriod is the period of the due-check/monitoring loop.
	MonitorPeriod time.Duration
	// HeartbeatPeriod is how often a running job samples process memory.
	HeartbeatPeriod time.Duration
	// History configures each run's ledger.
	History history.Options
}

func (o Options) withDefaults() Options {
	if o.MonitorPeriod <= 0 {
		o.MonitorPeriod = defaultMonitorPeriod
	}
	if o.HeartbeatPeriod <= 0 {
		o.HeartbeatPeriod = defaultHeartbeatPeriod
	}
	return o
}

// jobEntry is the registry's live record for one job. Mutated only under
// the orchestrator mutex.
type jobEntry struct {
	cfg    scraper.JobConfig
	state  scraper.JobState
	cancel context.CancelFunc
	led    *history.Ledger
}

// Orchestrator is the top-level coordinator.
type Orchestrator struct {
	mu   sync.Mutex
	jobs map[string]*jobEntry

	schedules *schedule.Store
	histories *history.Store
	body      scraper.JobBody
	notifier  scraper.Notifier
	clock     scraper.Clock
	logger    *zap.Logger
	opts      Options

	runWG          sync.WaitGroup
	monitorStop    chan struct{}
	monitorDone    chan struct{}
	monitorStarted bool
	closeOnce      sync.Once
}

// New constructs an Orchestrator. The notifier may be nil.
func New(
	schedules *schedule.Store,
	histories *history.Store,
	body scraper.JobBody,
	notifier scraper.Notifier,
	clock scraper.Clock,
	logger *zap.Logger,
	opts Options,
) *Orchestrator {
	if clock == nil {
		clock = scraper.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	if opts.History.Clock == nil {
		opts.History.Clock = clock
	}
	if opts.History.Logger == nil {
		opts.History.Logger = logger
	}
	return &Orchestrator{
		jobs:        make(map[string]*jobEntry),
		schedules:   schedules,
		histories:   histories,
		body:        body,
		notifier:    notifier,
		clock:       clock,
		logger:      logger,
		opts:        opts,
		monitorStop: make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
}

// Load registers every configuration from the provider snapshot. Called once
// at start-up.
func (o *Orchestrator) Load(cfgs []scraper.JobConfig) {
	for _, cfg := range cfgs {
		if err := o.Register(cfg); err != nil {
			o.logger.Warn("skipping job config", zap.String("job_id", cfg.ID), zap.Error(err))
		}
	}
	o.logger.Info("job configurations loaded", zap.Int("count", len(cfgs)))
}

// Register adds a job to the registry or replaces the config snapshot of an
// idle job. Replacing a running job's config is refused.
func (o *Orchestrator) Register(cfg scraper.JobConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("job id is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.jobs[cfg.ID]; ok {
		if e.state.Running {
			return fmt.Errorf("job %s is running; config not replaced", cfg.ID)
		}
		e.cfg = cfg
		return nil
	}
	o.jobs[cfg.ID] = &jobEntry{
		cfg:   cfg,
		state: scraper.JobState{ID: cfg.ID},
	}
	return nil
}

// Start launches a job on behalf of an external caller.
func (o *Orchestrator) Start(jobID string) scraper.StartResult {
	return o.start(jobID, "manual")
}

// start is the single entry point shared by manual, schedule, and monitor
// triggers. The registry lock guards the read-then-write of the running
// flag, which is what makes concurrent starts collapse to one execution; it
// is released before the run itself begins.
func (o *Orchestrator) start(jobID, trigger string) scraper.StartResult {
	o.mu.Lock()
	e, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return scraper.StartNotFound
	}
	if err := e.cfg.Validate(); err != nil {
		o.mu.Unlock()
		o.logger.Warn("start rejected: invalid config", zap.String("job_id", jobID), zap.Error(err))
		return scraper.StartConfigInvalid
	}
	if e.state.Running {
		o.mu.Unlock()
		return scraper.StartAlreadyRunning
	}

	now := o.clock.Now()
	token := history.NewRunToken(now)
	ctx, cancel := context.WithCancel(context.Background())

	e.cancel = cancel
	start := now
	e.state.Running = true
	e.state.StartTime = &start
	e.state.EndTime = nil
	e.state.Message = "starting"
	e.state.HasErrors = false
	e.state.LastError = ""
	e.state.LastRunToken = token

	cfg := e.cfg
	led := history.Open(jobID, token, trigger, cfg, o.histories.RunPath(jobID, token), o.opts.History)
	e.led = led
	o.mu.Unlock()

	o.logger.Info("starting job",
		zap.String("job_id", jobID),
		zap.String("run_token", token),
		zap.String("trigger", trigger),
	)
	o.runWG.Add(1)
	go o.runJob(ctx, cfg, token, trigger, led)
	return scraper.StartStarted
}

// Stop signals the running execution to cancel. Cancellation is cooperative:
// the job body observes it at its own granularity and the runner finalizes
// the ledger afterwards.
func (o *Orchestrator) Stop(jobID string) scraper.StopResult {
	o.mu.Lock()
	e, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return scraper.StopNotFound
	}
	if !e.state.Running || e.cancel == nil {
		o.mu.Unlock()
		return scraper.StopNotRunning
	}
	e.cancel()
	e.cancel = nil
	e.state.Running = false
	now := o.clock.Now()
	e.state.EndTime = &now
	e.state.Message = "stopped"
	o.mu.Unlock()

	o.logger.Info("job stopped", zap.String("job_id", jobID))
	return scraper.StopStopped
}

// Status returns a snapshot copy of the job's state.
func (o *Orchestrator) Status(jobID string) (scraper.JobState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.jobs[jobID]
	if !ok {
		return scraper.JobState{}, false
	}
	return copyState(e.state), true
}

// ListJobs returns snapshot copies of every registered job's state.
func (o *Orchestrator) ListJobs() []scraper.JobState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]scraper.JobState, 0, len(o.jobs))
	for _, e := range o.jobs {
		out = append(out, copyState(e.state))
	}
	return out
}

// GetRunHistory returns one run's history. An empty runToken selects the
// in-flight run when one exists, otherwise the most recent persisted run.
// The live run is served from the ledger's in-memory snapshot so callers
// never lag behind the autosave timer.
func (o *Orchestrator) GetRunHistory(jobID, runToken string) (history.RunHistory, error) {
	o.mu.Lock()
	e, ok := o.jobs[jobID]
	var (
		live      *history.Ledger
		liveToken string
	)
	if ok {
		live = e.led
		liveToken = e.state.LastRunToken
	}
	o.mu.Unlock()
	if !ok {
		return history.RunHistory{}, fmt.Errorf("job %s: %w", jobID, history.ErrNotFound)
	}

	if runToken == "" || runToken == liveToken {
		if live != nil {
			return live.Snapshot(), nil
		}
		if runToken != "" {
			return o.histories.Read(jobID, runToken)
		}
		return o.histories.Latest(jobID)
	}
	return o.histories.Read(jobID, runToken)
}

// Close stops the monitoring loop, cancels in-flight runs, and waits for
// their runners to finalize state and ledgers.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		started := o.monitorStarted
		o.mu.Unlock()
		close(o.monitorStop)
		if started {
			<-o.monitorDone
		}

		o.mu.Lock()
		for _, e := range o.jobs {
			if e.cancel != nil {
				e.cancel()
				e.cancel = nil
			}
		}
		o.mu.Unlock()
		o.runWG.Wait()
	})
}

func (o *Orchestrator) notify(jobID string, event scraper.Event, message string) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(jobID, event, message)
}

func copyState(s scraper.JobState) scraper.JobState {
	out := s
	out.StartTime = copyTime(s.StartTime)
	out.EndTime = copyTime(s.EndTime)
	out.LastMonitorCheck = copyTime(s.LastMonitorCheck)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
