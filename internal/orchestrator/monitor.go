package orchestrator

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/scraperd/internal/metrics"
)

// StartMonitor launches the background monitoring loop. One ticker drives
// both trigger sources: the schedule due-check and the idle-job monitor.
func (o *Orchestrator) StartMonitor() {
	o.mu.Lock()
	if o.monitorStarted {
		o.mu.Unlock()
		return
	}
	o.monitorStarted = true
	o.mu.Unlock()

	go func() {
		defer close(o.monitorDone)
		ticker := time.NewTicker(o.opts.MonitorPeriod)
		defer ticker.Stop()
		o.logger.Info("monitoring loop started", zap.Duration("period", o.opts.MonitorPeriod))
		for {
			select {
			case <-o.monitorStop:
				return
			case <-ticker.C:
				o.tick(o.clock.Now())
			}
		}
	}()
}

// tick runs one due-check pass. The schedule store's lock is released inside
// DueNow, before any Start acquires the registry lock; holding both at once
// is never allowed. Schedule triggers take precedence: a job fired by its
// schedule this tick is skipped by the idle-monitor scan.
func (o *Orchestrator) tick(now time.Time) {
	due := o.schedules.DueNow(now)
	metrics.ObserveScheduleFires(len(due))

	fired := make(map[string]struct{}, len(due))
	for _, jobID := range due {
		fired[jobID] = struct{}{}
		res := o.start(jobID, "schedule")
		o.logger.Info("schedule trigger",
			zap.String("job_id", jobID),
			zap.String("result", string(res)),
		)
	}

	var idle []string
	o.mu.Lock()
	for jobID, e := range o.jobs {
		if !e.cfg.Monitor || e.state.Running {
			continue
		}
		if _, ok := fired[jobID]; ok {
			continue
		}
		if e.state.LastMonitorCheck != nil && now.Sub(*e.state.LastMonitorCheck) < e.cfg.MonitorInterval {
			continue
		}
		t := now
		e.state.LastMonitorCheck = &t
		idle = append(idle, jobID)
	}
	o.mu.Unlock()

	sort.Strings(idle)
	for _, jobID := range idle {
		res := o.start(jobID, "monitor")
		o.logger.Info("monitor trigger",
			zap.String("job_id", jobID),
			zap.String("result", string(res)),
		)
	}
}
