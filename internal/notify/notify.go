package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ── Notifier ───────────────────────────────────────────────
// Lifecycle side-channel: human-readable messages posted to a
// webhook-style chat endpoint. Pure glue — failures are logged and
// never interrupt the export itself.

// Event is a lifecycle stage being reported.
type Event string

const (
	EventStart            Event = "start"
	EventBackfillComplete Event = "backfill complete"
	EventPreWrite         Event = "pre-write"
	EventPostWrite        Event = "post-write"
	EventError            Event = "error"
)

// Notifier reports lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event Event, message string)
}

// ── Webhook implementation ─────────────────────────────────

// WebhookNotifier posts Slack-compatible text payloads to a webhook URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
	log    *zap.SugaredLogger
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string, log *zap.SugaredLogger) *WebhookNotifier {
	return &WebhookNotifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, event Event, message string) {
	payload, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("[%s] %s", event, message),
	})
	if err != nil {
		n.log.Warnw("notify: marshal payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		n.log.Warnw("notify: build request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		n.log.Warnw("notify: post webhook", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.log.Warnw("notify: webhook rejected", "status", resp.StatusCode)
	}
}

// ── Test / disabled implementations ────────────────────────

// NopNotifier discards all notifications. Used when no webhook is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event, string) {}

// MockNotifier records all notifications for test assertions.
type MockNotifier struct {
	Notifications []Notification
}

// Notification holds one recorded call.
type Notification struct {
	Event   Event
	Message string
}

func (m *MockNotifier) Notify(_ context.Context, event Event, message string) {
	m.Notifications = append(m.Notifications, Notification{Event: event, Message: message})
}
