package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// WebhookDispatcher POSTs events as JSON to a configured endpoint, typically
// a messaging-channel bridge. Delivery runs in its own goroutine with a
// bounded timeout; the triggering request never waits on it.
type WebhookDispatcher struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewWebhookDispatcher creates a webhook dispatcher for the given URL.
func NewWebhookDispatcher(url string, timeout time.Duration, logger *slog.Logger) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDispatcher{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("component", "notify.webhook")),
		timeout: timeout,
	}
}

// Notify posts the event asynchronously. Failures are logged and dropped.
func (d *WebhookDispatcher) Notify(ctx context.Context, event Event) {
	go d.deliver(event)
}

func (d *WebhookDispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	body, err := json.Marshal(event)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to marshal breach event",
			slog.String("license_key", event.LicenseKey),
			slog.String("error", err.Error()))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to build webhook request",
			slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.WarnContext(ctx, "breach notification delivery failed",
			slog.String("license_key", event.LicenseKey),
			slog.String("status", string(event.Status)),
			slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.logger.WarnContext(ctx, "breach notification rejected",
			slog.String("license_key", event.LicenseKey),
			slog.Int("http_status", resp.StatusCode))
		return
	}

	d.logger.InfoContext(ctx, "breach notification delivered",
		slog.String("license_key", event.LicenseKey),
		slog.String("domain", event.Domain),
		slog.String("status", string(event.Status)),
		slog.String("reason", event.Reason))
}
