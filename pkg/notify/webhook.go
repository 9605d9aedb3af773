package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

var ErrMissingURL = errors.New("webhook notifier requires a url")

const defaultWebhookTimeout = 10 * time.Second

// WebhookNotifier POSTs the notification as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookNotifier(config map[string]any) (*WebhookNotifier, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return nil, ErrMissingURL
	}

	n := &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: defaultWebhookTimeout},
	}

	if rawHeaders, ok := config["headers"].(map[string]any); ok {
		n.headers = make(map[string]string, len(rawHeaders))

		for key, raw := range rawHeaders {
			if value, ok := raw.(string); ok {
				n.headers[key] = value
			}
		}
	}

	if timeout, ok := config["timeout"].(float64); ok && timeout > 0 {
		n.client.Timeout = time.Duration(timeout) * time.Second
	}

	return n, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, notification Notification, logger *slog.Logger) error {
	notification.FilesChanged = fileSummary(notification.FilesChanged)

	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range n.headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			_ = err
		}
	}()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(body))
	}

	logger.Debug("webhook notification sent",
		"instance_id", notification.InstanceID, "status_code", resp.StatusCode)

	return nil
}

type WebhookNotifierFactory struct{}

func NewWebhookNotifierFactory() *WebhookNotifierFactory {
	return &WebhookNotifierFactory{}
}

func (*WebhookNotifierFactory) ID() string {
	return "webhook"
}

func (*WebhookNotifierFactory) Name() string {
	return "Webhook"
}

func (*WebhookNotifierFactory) Description() string {
	return "POSTs notifications as JSON to an HTTP endpoint."
}

func (f *WebhookNotifierFactory) Create(_ context.Context, config map[string]any) (Notifier, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewWebhookNotifier(config)
}

func (f *WebhookNotifierFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Endpoint that receives the JSON notification.",
			},
			"headers": map[string]any{
				"type":        "object",
				"description": "Extra request headers, e.g. an Authorization token.",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Request timeout in seconds.",
				"default":     10,
			},
		},
		"required": []string{"url"},
	}
}
