package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	token  string
	chatID string
	rest   *resty.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat.
// baseURL overrides the Bot API endpoint; empty uses the public one.
func NewTelegramSender(token, chatID, baseURL string) *TelegramSender {
	if baseURL == "" {
		baseURL = telegramAPI
	}
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		rest:   resty.New().SetBaseURL(baseURL).SetTimeout(10 * time.Second),
	}
}

// Send posts title in bold followed by message using sendMessage.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	resp, err := t.rest.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    t.chatID,
			"text":       fmt.Sprintf("*%s*\n%s", title, message),
			"parse_mode": "Markdown",
		}).
		Post("/bot" + t.token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram: send request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode(), truncate(resp.String(), 1024))
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
