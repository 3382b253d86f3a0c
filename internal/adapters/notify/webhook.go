package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ymiyake/flyerbot/internal/ports"
)

const defaultWebhookTimeout = 3 * time.Second

// Webhook posts trade events as JSON to a configured endpoint (LINE Notify
// proxies, Slack-compatible hooks, anything that accepts a message field).
type Webhook struct {
	url    string
	client *http.Client
	now    func() time.Time
}

var _ ports.Notifier = (*Webhook)(nil)

// NewWebhook builds a webhook notifier. A zero timeout uses the default.
func NewWebhook(url string, timeout time.Duration) (*Webhook, error) {
	if url == "" {
		return nil, fmt.Errorf("notify.NewWebhook: url not configured")
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}, nil
}

// Notify delivers one message. Failures are returned to the caller, which
// logs and moves on; a broken webhook never blocks trading.
func (w *Webhook) Notify(ctx context.Context, text string) error {
	payload := map[string]string{
		"message":   text,
		"timestamp": w.now().Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify.Notify: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify.Notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify.Notify: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify.Notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}
