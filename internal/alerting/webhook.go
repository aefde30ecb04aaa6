package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Discord rejects content longer than this.
const discordMaxContent = 2000

// WebhookClient posts a JSON body with the message under one field.
type WebhookClient struct {
	name       string
	webhookURL string
	field      string
	maxRunes   int
	client     *http.Client
}

// NewSlackClient posts {"text": ...} to a Slack incoming webhook.
func NewSlackClient(webhookURL string) *WebhookClient {
	return &WebhookClient{name: "slack", webhookURL: webhookURL, field: "text", client: &http.Client{}}
}

// NewDiscordClient posts {"content": ...} to a Discord webhook.
func NewDiscordClient(webhookURL string) *WebhookClient {
	return &WebhookClient{name: "discord", webhookURL: webhookURL, field: "content", maxRunes: discordMaxContent, client: &http.Client{}}
}

func (c *WebhookClient) Name() string { return c.name }

func (c *WebhookClient) Send(ctx context.Context, message string) error {
	if r := []rune(message); c.maxRunes > 0 && len(r) > c.maxRunes {
		message = string(r[:c.maxRunes])
	}

	jsonData, err := json.Marshal(map[string]string{c.field: message})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s webhook: %w", c.name, err)
	}
	defer resp.Body.Close()

	// Discord answers 204
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%s webhook: unexpected status code: %d", c.name, resp.StatusCode)
	}
	return nil
}
