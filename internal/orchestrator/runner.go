package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/crawlkit/scraperd/internal/history"
	"github.com/crawlkit/scraperd/internal/metrics"
	"github.com/crawlkit/scraperd/internal/scraper"
)

// runJob is the execution runner: it drives one run end to end on its own
// goroutine and reports the terminal outcome back to the registry, the
// ledger, and the notifier. Execution-time failures are recorded into state,
// never returned to the caller that started the run.
func (o *Orchestrator) runJob(
	ctx context.Context,
	cfg scraper.JobConfig,
	token, trigger string,
	led *history.Ledger,
) {
	defer o.runWG.Done()

	start := o.clock.Now()
	metrics.ObserveRunStart()
	led.AppendLog(scraper.SeverityInfo, fmt.Sprintf("run started (trigger=%s)", trigger))
	o.notify(cfg.ID, scraper.EventStarted, fmt.Sprintf("run %s started (%s)", token, trigger))
	o.setRunningMessage(cfg.ID, token, "running")

	hbStop := make(chan struct{})
	hbDone := make(chan struct{})
	go o.heartbeat(led, hbStop, hbDone)

	err := o.executeBody(ctx, cfg, led)

	close(hbStop)
	<-hbDone

	canceled := ctx.Err() != nil
	now := o.clock.Now()
	elapsed := now.Sub(start)

	// Seal the ledger before the registry shows the job idle: Complete waits
	// for the final flush, so a status query that sees running == false can
	// always read a terminal history.
	switch {
	case canceled:
		led.AppendLog(scraper.SeverityInfo, "run stopped on request")
		led.Complete(false, "stopped before completion")
		o.notify(cfg.ID, scraper.EventStopped, fmt.Sprintf("run %s stopped", token))
		metrics.ObserveRunEnd("stopped", elapsed)
	case err != nil:
		led.AppendLog(scraper.SeverityError, err.Error())
		led.Complete(false, err.Error())
		o.notify(cfg.ID, scraper.EventError, err.Error())
		metrics.ObserveRunEnd("failed", elapsed)
	default:
		led.Complete(true, "completed")
		o.notify(cfg.ID, scraper.EventCompleted, fmt.Sprintf("run %s completed", token))
		metrics.ObserveRunEnd("completed", elapsed)
	}

	// The fold is run-scoped: a stopped run may still be winding down after a
	// re-Start has launched its successor, and the late fold must never touch
	// the successor's registry state or cancel handle.
	o.mu.Lock()
	if e, ok := o.jobs[cfg.ID]; ok && e.state.LastRunToken == token {
		if e.state.Running {
			e.state.Running = false
			end := now
			e.state.EndTime = &end
		}
		e.cancel = nil
		switch {
		case canceled:
			e.state.Message = "stopped"
		case err != nil:
			e.state.Message = "failed"
			e.state.HasErrors = true
			e.state.LastError = err.Error()
		default:
			e.state.Message = "completed"
		}
	}
	o.mu.Unlock()

	o.logger.Info("run finished",
		zap.String("job_id", cfg.ID),
		zap.String("run_token", token),
		zap.Bool("canceled", canceled),
		zap.Error(err),
		zap.Duration("elapsed", elapsed),
	)
}

// executeBody invokes the opaque job body, converting a panic into an error
// so a misbehaving body can never leave the registry stuck in Running.
func (o *Orchestrator) executeBody(ctx context.Context, cfg scraper.JobConfig, led *history.Ledger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job body panic: %v", r)
		}
	}()
	return o.body.Execute(ctx, cfg, &ledgerReporter{led: led})
}

// heartbeat periodically samples the process RSS into the run's aggregates.
func (o *Orchestrator) heartbeat(led *history.Ledger, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		o.logger.Debug("memory sampling unavailable", zap.Error(err))
		return
	}
	sample := func() {
		if mem, memErr := proc.MemoryInfo(); memErr == nil && mem != nil {
			led.UpdateAggregates(-1, mem.RSS)
		}
	}
	sample()
	ticker := time.NewTicker(o.opts.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sample()
		}
	}
}

func (o *Orchestrator) setRunningMessage(jobID, token, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.jobs[jobID]; ok && e.state.Running && e.state.LastRunToken == token {
		e.state.Message = message
	}
}

// ledgerReporter bridges the job body's Reporter calls onto the run ledger.
type ledgerReporter struct {
	led *history.Ledger
}

func (r *ledgerReporter) Log(severity scraper.Severity, message string) {
	r.led.AppendLog(severity, message)
}

func (r *ledgerReporter) RecordUnit(outcome scraper.UnitOutcome) {
	r.led.RecordUnitOutcome(outcome)
}

func (r *ledgerReporter) SetQueued(n int) {
	r.led.UpdateAggregates(n, 0)
}
