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
	"strings"
	"time"
)

var ErrMissingWebhookURL = errors.New("slack notifier requires a webhook_url")

const defaultSlackUsername = "stagehand"

// SlackNotifier posts a Block Kit message to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
	username   string
	client     *http.Client
}

func NewSlackNotifier(config map[string]any) (*SlackNotifier, error) {
	webhookURL, _ := config["webhook_url"].(string)
	if webhookURL == "" {
		return nil, ErrMissingWebhookURL
	}

	n := &SlackNotifier{
		webhookURL: webhookURL,
		username:   defaultSlackUsername,
		client:     &http.Client{Timeout: defaultWebhookTimeout},
	}

	if channel, ok := config["channel"].(string); ok {
		n.channel = channel
	}

	if username, ok := config["username"].(string); ok && username != "" {
		n.username = username
	}

	return n, nil
}

func (n *SlackNotifier) Notify(ctx context.Context, notification Notification, logger *slog.Logger) error {
	payload, err := json.Marshal(n.payload(notification))
	if err != nil {
		return fmt.Errorf("failed to encode slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack request failed: %w", err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			_ = err
		}
	}()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return fmt.Errorf("slack returned status %d: %s", resp.StatusCode, string(body))
	}

	logger.Debug("slack notification sent", "instance_id", notification.InstanceID)

	return nil
}

func (n *SlackNotifier) payload(notification Notification) map[string]any {
	header := fmt.Sprintf("Stage '%s' requires attention", notification.Stage)
	if notification.Stage == "" {
		header = fmt.Sprintf("Workflow %s: %s", notification.InstanceID, notification.Kind)
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": header},
		},
		{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": notification.Message},
		},
	}

	if len(notification.FilesChanged) > 0 {
		files := strings.Join(fileSummary(notification.FilesChanged), "\n- ")

		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": "*Files changed:*\n```- " + files + "```",
			},
		})
	}

	if notification.Deadline != nil {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": "Decision needed by " + notification.Deadline.UTC().Format(time.RFC3339),
			},
		})
	}

	payload := map[string]any{
		"username": n.username,
		"blocks":   blocks,
	}

	if n.channel != "" {
		payload["channel"] = n.channel
	}

	return payload
}

type SlackNotifierFactory struct{}

func NewSlackNotifierFactory() *SlackNotifierFactory {
	return &SlackNotifierFactory{}
}

func (*SlackNotifierFactory) ID() string {
	return "slack"
}

func (*SlackNotifierFactory) Name() string {
	return "Slack"
}

func (*SlackNotifierFactory) Description() string {
	return "Posts notifications to a Slack channel through an incoming webhook."
}

func (f *SlackNotifierFactory) Create(_ context.Context, config map[string]any) (Notifier, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewSlackNotifier(config)
}

func (f *SlackNotifierFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"webhook_url": map[string]any{
				"type":        "string",
				"description": "Slack incoming-webhook URL.",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Channel override.",
			},
			"username": map[string]any{
				"type":        "string",
				"description": "Display name for the bot.",
				"default":     defaultSlackUsername,
			},
		},
		"required": []string{"webhook_url"},
	}
}
