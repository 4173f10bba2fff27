// Package scraper defines core types shared across subsystems.
package scraper

import (
	"fmt"
	"time"
)

// StartResult reports the synchronous outcome of a start request.
type StartResult string

// Start outcomes returned to callers; AlreadyRunning is a status, not an error.
const (
	StartStarted        StartResult = "started"
	StartAlreadyRunning StartResult = "already_running"
	StartNotFound       StartResult = "not_found"
	StartConfigInvalid  StartResult = "config_invalid"
)

// StopResult reports the synchronous outcome of a stop request.
type StopResult string

// Stop outcomes returned to callers.
const (
	StopStopped    StopResult = "stopped"
	StopNotRunning StopResult = "not_running"
	StopNotFound   StopResult = "not_found"
)

// RunStatus is the terminal-state enum persisted with each run history.
type RunStatus string

// Run status values persisted in run history documents.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Severity grades a run log entry.
type Severity string

// Log severities recorded in run histories.
const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// JobConfig is the immutable configuration snapshot for one scrape job.
// The orchestrator never mutates it; it only holds a reference while a run
// is in flight.
type JobConfig struct {
	ID              string         `json:"id" mapstructure:"id"`
	Name            string         `json:"name" mapstructure:"name"`
	Monitor         bool           `json:"monitor" mapstructure:"monitor"`
	MonitorInterval time.Duration  `json:"monitor_interval" mapstructure:"monitor_interval"`
	OutputDir       string         `json:"output_dir,omitempty" mapstructure:"output_dir"`
	Params          map[string]any `json:"params,omitempty" mapstructure:"params"`
}

// Validate enforces the fields the orchestrator needs before launching a run.
func (c JobConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if c.Monitor && c.MonitorInterval <= 0 {
		return fmt.Errorf("job %s: monitor_interval must be > 0 when monitor is enabled", c.ID)
	}
	return nil
}

// JobState is the registry's view of one job's lifecycle. Status queries
// receive copies, never the live object.
type JobState struct {
	ID               string     `json:"id"`
	Running          bool       `json:"running"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	Message          string     `json:"message,omitempty"`
	HasErrors        bool       `json:"has_errors"`
	LastError        string     `json:"last_error,omitempty"`
	LastMonitorCheck *time.Time `json:"last_monitor_check,omitempty"`
	LastRunToken     string     `json:"last_run_token,omitempty"`
}

// UnitOutcome records one unit of work performed by a job body, typically a
// single fetched page.
type UnitOutcome struct {
	Target   string        `json:"target"`
	Success  bool          `json:"success"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Event identifies a lifecycle notification delivered to a Notifier.
type Event string

// Notification event types.
const (
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
	EventError     Event = "error"
)
