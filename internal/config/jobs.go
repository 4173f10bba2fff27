package config

import (
	"sort"
	"time"

	"github.com/crawlkit/scraperd/internal/scraper"
)

// JobConfigs converts the declarative job definitions into the orchestrator's
// config snapshots. This is the start-up configuration provider: it is read
// once and the snapshots are treated as immutable afterwards.
func (c Config) JobConfigs() []scraper.JobConfig {
	ids := make([]string, 0, len(c.Jobs))
	for id := range c.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]scraper.JobConfig, 0, len(ids))
	for _, id := range ids {
		spec := c.Jobs[id]
		name := spec.Name
		if name == "" {
			name = id
		}
		out = append(out, scraper.JobConfig{
			ID:              id,
			Name:            name,
			Monitor:         spec.Monitor,
			MonitorInterval: time.Duration(spec.MonitorIntervalSeconds) * time.Second,
			OutputDir:       c.History.OutputDir,
			Params:          spec.Params,
		})
	}
	return out
}
