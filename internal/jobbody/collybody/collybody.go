// Package collybody is the built-in job body: it fetches the pages listed in
// a job's parameters using the Colly collector and streams per-page outcomes
// to the run's reporter. The orchestrator treats it as opaque; any JobBody
// implementation can replace it.
package collybody

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/crawlkit/scraperd/internal/scraper"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	IgnoreRobots bool
}

// Body implements scraper.JobBody using Colly.
type Body struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Body.
func New(cfg Config) *Body {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = cfg.IgnoreRobots
	c.SetRequestTimeout(cfg.Timeout)
	return &Body{cfg: cfg, base: c}
}

// Execute fetches each configured URL in order, checking for cancellation
// between pages. It fails when the job yields no successful fetch at all.
func (b *Body) Execute(ctx context.Context, cfg scraper.JobConfig, rep scraper.Reporter) error {
	urls := urlsFromParams(cfg.Params)
	if len(urls) == 0 {
		return fmt.Errorf("job %s: no urls configured", cfg.ID)
	}
	rep.SetQueued(len(urls))

	var succeeded int
	for _, url := range urls {
		if err := ctx.Err(); err != nil {
			rep.Log(scraper.SeverityInfo, fmt.Sprintf("cancellation observed before %s", url))
			return err
		}
		outcome := b.fetch(url)
		rep.RecordUnit(outcome)
		if outcome.Success {
			succeeded++
			rep.Log(scraper.SeverityInfo, fmt.Sprintf("fetched %s (%d bytes)", url, outcome.Bytes))
		} else {
			rep.Log(scraper.SeverityWarn, fmt.Sprintf("fetch %s failed: %s", url, outcome.Error))
		}
	}

	if succeeded == 0 {
		return fmt.Errorf("job %s: no pages were fetched", cfg.ID)
	}
	return nil
}

func (b *Body) fetch(url string) scraper.UnitOutcome {
	outcome := scraper.UnitOutcome{Target: url}
	start := time.Now()

	collector := b.base.Clone()
	collector.OnResponse(func(r *colly.Response) {
		outcome.Success = true
		outcome.Bytes = int64(len(r.Body))
	})
	collector.OnError(func(_ *colly.Response, err error) {
		outcome.Error = err.Error()
	})

	if err := collector.Visit(url); err != nil && outcome.Error == "" {
		outcome.Error = err.Error()
	}
	collector.Wait()

	outcome.Duration = time.Since(start)
	return outcome
}

// urlsFromParams extracts the url list from the opaque parameter map. Viper
// decodes YAML lists as []any, so both forms are accepted.
func urlsFromParams(params map[string]any) []string {
	raw, ok := params["urls"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
