package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Destination is a webhook endpoint that receives alerts.
type Destination struct {
	Name    string            `yaml:"name" json:"name"`
	URL     string            `yaml:"url" json:"url"`
	Format  string            `yaml:"format" json:"format"` // "generic" or "slack"
	Headers map[string]string `yaml:"headers" json:"headers"`
}

type WebhookConfig struct {
	Destination Destination
	Timeout     time.Duration
	Retries     int
	HTTPClient  *http.Client
}

// WebhookNotifier posts alerts as JSON. Server errors and transport failures
// are retried; client errors are not.
type WebhookNotifier struct {
	dest    Destination
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewWebhookNotifier(cfg WebhookConfig) (*WebhookNotifier, error) {
	if cfg.Destination.URL == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	switch cfg.Destination.Format {
	case "", "generic", "slack":
	default:
		return nil, fmt.Errorf("unknown webhook format %q", cfg.Destination.Format)
	}
	if cfg.Destination.Name == "" {
		cfg.Destination.Name = "webhook"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &WebhookNotifier{dest: cfg.Destination, client: client, timeout: timeout, retries: retries}, nil
}

func (w *WebhookNotifier) Name() string { return w.dest.Name }

func (w *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := FormatPayload(w.dest.Format, a)
	if err != nil {
		return fmt.Errorf("format alert: %w", err)
	}

	attempts := w.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		retry, err := w.post(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			}
		}
	}
	return fmt.Errorf("webhook %s: %w", w.dest.Name, lastErr)
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) (retry bool, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.dest.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.dest.Headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		// url.Error embeds the destination, which may carry a token.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return true, err
	}
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("server error: %s", resp.Status)
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("rejected: %s", resp.Status)
	}
	return false, nil
}

// FormatPayload renders the webhook body. The generic format is exactly the
// alert object.
func FormatPayload(format string, a Alert) ([]byte, error) {
	switch format {
	case "slack":
		return json.Marshal(map[string]any{
			"text": fmt.Sprintf("Guardrail %s breached by %s", a.GuardrailID, a.Subject),
			"blocks": []any{
				map[string]any{
					"type": "section",
					"fields": []any{
						map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Guardrail:* %s", a.GuardrailID)},
						map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Event:* %s", a.Event)},
						map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Subject:* %s", a.Subject)},
						map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", a.Reason)},
					},
				},
			},
		})
	default:
		return json.Marshal(a)
	}
}
