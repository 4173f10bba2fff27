// Command scraperd runs the scrape-job orchestration service: an HTTP API in
// front of the job registry, the schedule store, and the run-history ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/scraperd/internal/api"
	"github.com/crawlkit/scraperd/internal/config"
	"github.com/crawlkit/scraperd/internal/history"
	"github.com/crawlkit/scraperd/internal/jobbody/collybody"
	"github.com/crawlkit/scraperd/internal/logging"
	"github.com/crawlkit/scraperd/internal/metrics"
	"github.com/crawlkit/scraperd/internal/notify"
	"github.com/crawlkit/scraperd/internal/orchestrator"
	"github.com/crawlkit/scraperd/internal/schedule"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "scraperd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedules := schedule.NewStore(nil, logger)
	histories := history.NewStore(cfg.History.OutputDir, cfg.History.FallbackDir, logger)
	notifier := notify.NewWebhook(
		cfg.Notify.WebhookURL,
		time.Duration(cfg.Notify.TimeoutSeconds)*time.Second,
		nil,
		logger,
	)
	body := collybody.New(collybody.Config{
		UserAgent:    cfg.Scrape.UserAgent,
		Timeout:      time.Duration(cfg.Scrape.TimeoutSeconds) * time.Second,
		IgnoreRobots: cfg.Scrape.IgnoreRobots,
	})

	orch := orchestrator.New(schedules, histories, body, notifier, nil, logger, orchestrator.Options{
		MonitorPeriod: cfg.MonitorPeriod(),
		History: history.Options{
			AutosaveInterval:   cfg.AutosavePeriod(),
			FlushEveryOutcomes: cfg.History.FlushEveryOutcomes,
			FallbackDir:        cfg.History.FallbackDir,
			Logger:             logger,
		},
	})
	defer orch.Close()

	orch.Load(cfg.JobConfigs())
	registerSchedules(cfg, schedules, logger)
	orch.StartMonitor()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(orch, schedules, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	return nil
}

// registerSchedules installs the declarative schedules attached to job
// definitions. A bad expression skips that schedule, not the whole start-up.
func registerSchedules(cfg config.Config, schedules *schedule.Store, logger *zap.Logger) {
	for jobID, spec := range cfg.Jobs {
		for _, sched := range spec.Schedules {
			if _, err := schedules.Create(jobID, sched.Name, sched.Expression, sched.Enabled, sched.MaxRuntimeMinutes); err != nil {
				logger.Warn("skipping declarative schedule",
					zap.String("job_id", jobID),
					zap.String("name", sched.Name),
					zap.Error(err),
				)
			}
		}
	}
}
