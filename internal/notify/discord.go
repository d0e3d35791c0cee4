package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DiscordSender delivers notifications via a Discord webhook.
type DiscordSender struct {
	webhookURL string
	rest       *resty.Client
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		rest:       resty.New().SetTimeout(10 * time.Second),
	}
}

// Send posts title in bold followed by message. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	resp, err := d.rest.R().
		SetContext(ctx).
		SetBody(map[string]string{"content": fmt.Sprintf("**%s**\n%s", title, message)}).
		Post(d.webhookURL)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode(), truncate(resp.String(), 1024))
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
