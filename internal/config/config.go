// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig       `mapstructure:"server"`
	Monitor MonitorConfig      `mapstructure:"monitor"`
	History HistoryConfig      `mapstructure:"history"`
	Notify  NotifyConfig       `mapstructure:"notify"`
	Scrape  ScrapeConfig       `mapstructure:"scrape"`
	Logging LoggingConfig      `mapstructure:"logging"`
	Jobs    map[string]JobSpec `mapstructure:"jobs"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// MonitorConfig governs the orchestrator's due-check loop.
type MonitorConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// HistoryConfig controls run-history persistence.
type HistoryConfig struct {
	OutputDir          string `mapstructure:"output_dir"`
	FallbackDir        string `mapstructure:"fallback_dir"`
	AutosaveSeconds    int    `mapstructure:"autosave_seconds"`
	FlushEveryOutcomes int    `mapstructure:"flush_every_outcomes"`
}

// NotifyConfig configures best-effort webhook notifications.
type NotifyConfig struct {
	WebhookURL     string `mapstructure:"webhook_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ScrapeConfig governs the built-in page-fetching job body.
type ScrapeConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	IgnoreRobots   bool   `mapstructure:"ignore_robots"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// JobSpec is one job definition from the config file. The map key is the
// job identity.
type JobSpec struct {
	Name                   string         `mapstructure:"name"`
	Monitor                bool           `mapstructure:"monitor"`
	MonitorIntervalSeconds int            `mapstructure:"monitor_interval_seconds"`
	Params                 map[string]any `mapstructure:"params"`
	Schedules              []ScheduleSpec `mapstructure:"schedules"`
}

// ScheduleSpec is a declarative schedule attached to a job definition,
// registered at start-up.
type ScheduleSpec struct {
	Name              string `mapstructure:"name"`
	Expression        string `mapstructure:"expression"`
	Enabled           bool   `mapstructure:"enabled"`
	MaxRuntimeMinutes int    `mapstructure:"max_runtime_minutes"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitor.interval_seconds", 60)
	v.SetDefault("history.output_dir", "data/history")
	v.SetDefault("history.autosave_seconds", 30)
	v.SetDefault("history.flush_every_outcomes", 25)
	v.SetDefault("notify.timeout_seconds", 5)
	v.SetDefault("scrape.user_agent", "scraperd/0.1")
	v.SetDefault("scrape.timeout_seconds", 15)
	v.SetDefault("scrape.ignore_robots", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Monitor.IntervalSeconds <= 0 {
		return fmt.Errorf("monitor.interval_seconds must be > 0")
	}
	if c.History.OutputDir == "" {
		return fmt.Errorf("history.output_dir must be set")
	}
	if c.History.AutosaveSeconds <= 0 {
		return fmt.Errorf("history.autosave_seconds must be > 0")
	}
	for id, job := range c.Jobs {
		if job.Monitor && job.MonitorIntervalSeconds <= 0 {
			return fmt.Errorf("jobs.%s: monitor_interval_seconds must be > 0 when monitor is enabled", id)
		}
		for _, sched := range job.Schedules {
			if sched.Expression == "" {
				return fmt.Errorf("jobs.%s: schedule %q has no expression", id, sched.Name)
			}
		}
	}
	return nil
}

// MonitorPeriod returns the due-check loop period.
func (c Config) MonitorPeriod() time.Duration {
	return time.Duration(c.Monitor.IntervalSeconds) * time.Second
}

// AutosavePeriod returns the ledger autosave period.
func (c Config) AutosavePeriod() time.Duration {
	return time.Duration(c.History.AutosaveSeconds) * time.Second
}
