/**
 * @description
 * This package posts human-visible alerts to a Slack-style incoming webhook.
 * Delivery is strictly fire-and-forget: failures are logged and swallowed so
 * that alerting can never block or fail the financial path that triggered it.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, time: Standard Go libraries.
 */
package slackhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Notifier is the interface implemented by types that can deliver alerts.
type Notifier interface {
	Notify(ctx context.Context, severity, title, text string)
}

// Client posts messages to a configured incoming-webhook URL.
type Client struct {
	WebhookURL string
	HTTPClient *http.Client
}

// NewClient creates a new webhook notifier. An empty URL produces a client
// that logs alerts locally instead of posting them.
func NewClient(webhookURL string) *Client {
	return &Client{
		WebhookURL: webhookURL,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type message struct {
	Text string `json:"text"`
}

// Notify delivers one alert. Errors are logged, never returned.
func (c *Client) Notify(ctx context.Context, severity, title, text string) {
	formatted := fmt.Sprintf("[%s] %s\n%s", severity, title, text)

	if c == nil || c.WebhookURL == "" {
		log.Printf("level=warn component=slackhook mode=local msg=\"webhook url not configured; alert logged only\" severity=%s title=%q", severity, title)
		return
	}

	body, err := json.Marshal(message{Text: formatted})
	if err != nil {
		log.Printf("level=warn component=slackhook msg=\"alert marshal failed\" err=%v", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		log.Printf("level=warn component=slackhook msg=\"alert request build failed\" err=%v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("level=warn component=slackhook msg=\"alert delivery failed\" severity=%s err=%v", severity, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("level=warn component=slackhook msg=\"alert delivery rejected\" severity=%s status=%d", severity, resp.StatusCode)
	}
}
