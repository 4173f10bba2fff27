package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scraperd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestLoadDefaults ensures a missing file path yields a valid default config.
func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 60*time.Second, cfg.MonitorPeriod())
	require.Equal(t, 30*time.Second, cfg.AutosavePeriod())
	require.Equal(t, "data/history", cfg.History.OutputDir)
	require.True(t, cfg.Logging.Development)
}

// TestLoadFile parses a full config including job definitions and schedules.
func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
monitor:
  interval_seconds: 30
history:
  output_dir: /tmp/histories
jobs:
  news-daily:
    name: Daily News
    monitor: true
    monitor_interval_seconds: 600
    params:
      urls:
        - https://example.com/news
    schedules:
      - name: five-past
        expression: "5 * * * *"
        enabled: true
        max_runtime_minutes: 30
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 30*time.Second, cfg.MonitorPeriod())

	jobs := cfg.JobConfigs()
	require.Len(t, jobs, 1)
	require.Equal(t, "news-daily", jobs[0].ID)
	require.Equal(t, "Daily News", jobs[0].Name)
	require.True(t, jobs[0].Monitor)
	require.Equal(t, 10*time.Minute, jobs[0].MonitorInterval)
	require.Equal(t, "/tmp/histories", jobs[0].OutputDir)
	require.Contains(t, jobs[0].Params, "urls")

	spec := cfg.Jobs["news-daily"]
	require.Len(t, spec.Schedules, 1)
	require.Equal(t, "5 * * * *", spec.Schedules[0].Expression)
	require.Equal(t, 30, spec.Schedules[0].MaxRuntimeMinutes)
}

// TestValidateRejectsBadValues covers each validation rule.
func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
	}{
		{"bad port", "server:\n  port: 0\n"},
		{"bad monitor interval", "monitor:\n  interval_seconds: -1\n"},
		{"empty output dir", "history:\n  output_dir: \"\"\n"},
		{"monitored job without interval", "jobs:\n  j:\n    monitor: true\n"},
		{"schedule without expression", "jobs:\n  j:\n    schedules:\n      - name: empty\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
		})
	}
}

// TestJobConfigsDefaultsNameAndOrder ensures IDs order the output and fill
// missing display names.
func TestJobConfigsDefaultsNameAndOrder(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
jobs:
  zeta: {}
  alpha: {}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	jobs := cfg.JobConfigs()
	require.Len(t, jobs, 2)
	require.Equal(t, "alpha", jobs[0].ID)
	require.Equal(t, "alpha", jobs[0].Name)
	require.Equal(t, "zeta", jobs[1].ID)
}
