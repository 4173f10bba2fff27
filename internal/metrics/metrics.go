// Package metrics exposes Prometheus collectors for the scraper service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scraperRunsTotal          *prometheus.CounterVec
	scraperActiveRuns         prometheus.Gauge
	scraperRunDurationSeconds prometheus.Histogram
	scraperUnitsTotal         *prometheus.CounterVec
	scraperBytesTotal         prometheus.Counter
	scraperScheduleFiresTotal prometheus.Counter
	scraperHistoryFlushes     *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_runs_total",
				Help: "Total number of job runs, labeled by terminal status.",
			},
			[]string{"status"},
		)

		scraperActiveRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_runs",
				Help: "Number of job runs currently in flight.",
			},
		)

		scraperRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_run_duration_seconds",
				Help:    "Histogram of job run durations.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
		)

		scraperUnitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_units_total",
				Help: "Total units of work processed, labeled by result.",
			},
			[]string{"result"},
		)

		scraperBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_bytes_total",
				Help: "Total bytes fetched across all runs.",
			},
		)

		scraperScheduleFiresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_schedule_fires_total",
				Help: "Total schedule due-check firings.",
			},
		)

		scraperHistoryFlushes = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_history_flushes_total",
				Help: "Run-history flush attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRunStart records a newly launched run.
func ObserveRunStart() {
	if scraperActiveRuns == nil {
		return
	}
	scraperActiveRuns.Inc()
}

// ObserveRunEnd records a run reaching a terminal status.
func ObserveRunEnd(status string, duration time.Duration) {
	if scraperRunsTotal == nil {
		return
	}
	scraperActiveRuns.Dec()
	scraperRunsTotal.WithLabelValues(status).Inc()
	scraperRunDurationSeconds.Observe(duration.Seconds())
}

// ObserveUnit records one unit-of-work outcome.
func ObserveUnit(success bool, bytes int64) {
	if scraperUnitsTotal == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	scraperUnitsTotal.WithLabelValues(result).Inc()
	if bytes > 0 {
		scraperBytesTotal.Add(float64(bytes))
	}
}

// ObserveScheduleFires records schedule firings from one due-check.
func ObserveScheduleFires(n int) {
	if scraperScheduleFiresTotal == nil || n <= 0 {
		return
	}
	scraperScheduleFiresTotal.Add(float64(n))
}

// ObserveHistoryFlush records a flush attempt of the run-history ledger.
func ObserveHistoryFlush(ok bool) {
	if scraperHistoryFlushes == nil {
		return
	}
	outcome := "error"
	if ok {
		outcome = "ok"
	}
	scraperHistoryFlushes.WithLabelValues(outcome).Inc()
}
