// Package notify turns queue events into fire-and-forget operator
// notifications. Delivery is best effort: a failed or dropped
// notification never blocks or retries a queue mutation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type Notifier interface {
	Notify(ctx context.Context, message string, severity Severity)
}

// LogNotifier writes notifications to the structured log; it is the
// default provider.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, message string, severity Severity) {
	n.Log.Info().Str("severity", string(severity)).Msg(message)
}

// NoopNotifier discards everything.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, string, Severity) {}

// WebhookNotifier posts each notification as JSON to an external hook.
type WebhookNotifier struct {
	URL    string
	Token  string
	Client *http.Client
	Log    zerolog.Logger
}

func (n WebhookNotifier) Notify(ctx context.Context, message string, severity Severity) {
	payload, err := json.Marshal(map[string]string{
		"message":  message,
		"severity": string(severity),
	})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		n.Log.Warn().Err(err).Msg("notify webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Token != "" {
		req.Header.Set("Authorization", "Bearer "+n.Token)
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		n.Log.Warn().Err(err).Msg("notify webhook send")
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		n.Log.Warn().Int("status", resp.StatusCode).Msg("notify webhook rejected")
	}
}

// NewNotifier picks a provider by kind: "log" (default), "noop", or a
// webhook URL.
func NewNotifier(kind, token string, log zerolog.Logger) Notifier {
	switch kind {
	case "", "log":
		return LogNotifier{Log: log}
	case "noop":
		return NoopNotifier{}
	default:
		return WebhookNotifier{URL: kind, Token: token, Log: log}
	}
}
