// Package notify delivers best-effort lifecycle notifications. Delivery
// failures are logged and swallowed; they never affect job execution.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/scraperd/internal/scraper"
)

const defaultTimeout = 5 * time.Second

// payload is the JSON document posted for each event.
type payload struct {
	JobID   string        `json:"job_id"`
	Event   scraper.Event `json:"event"`
	Message string        `json:"message,omitempty"`
	At      time.Time     `json:"at"`
}

// Webhook posts lifecycle events to a single HTTP endpoint.
type Webhook struct {
	url    string
	client *http.Client
	clock  scraper.Clock
	logger *zap.Logger
}

// NewWebhook creates a Webhook notifier. An empty URL yields a notifier that
// drops every event, so callers can wire it unconditionally.
func NewWebhook(url string, timeout time.Duration, clock scraper.Clock, logger *zap.Logger) *Webhook {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if clock == nil {
		clock = scraper.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		clock:  clock,
		logger: logger,
	}
}

// Notify posts the event without blocking the caller. Any failure is logged
// at Warn and otherwise ignored.
func (w *Webhook) Notify(jobID string, event scraper.Event, message string) {
	if w == nil || w.url == "" {
		return
	}
	body, err := json.Marshal(payload{
		JobID:   jobID,
		Event:   event,
		Message: message,
		At:      w.clock.Now(),
	})
	if err != nil {
		w.logger.Warn("encode notification failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	go w.post(jobID, event, body)
}

func (w *Webhook) post(jobID string, event scraper.Event, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("build notification request failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("notification delivery failed",
			zap.String("job_id", jobID),
			zap.String("event", string(event)),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		w.logger.Warn("notification rejected",
			zap.String("job_id", jobID),
			zap.String("event", string(event)),
			zap.Int("status", resp.StatusCode),
		)
	}
}
