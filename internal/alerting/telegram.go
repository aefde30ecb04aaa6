package alerting

import (
	"context"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// TelegramClient posts alerts to one chat through the Bot API.
type TelegramClient struct {
	api         *tgbotapi.BotAPI
	chatID      int64
	rateLimiter *rate.Limiter
}

// NewTelegramClient authorizes the bot. An empty endpoint means the public
// Bot API.
func NewTelegramClient(token string, chatID int64, endpoint string, httpClient *http.Client) (*TelegramClient, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	// Telegram allows about one message per second to a single chat.
	return &TelegramClient{
		api:         api,
		chatID:      chatID,
		rateLimiter: rate.NewLimiter(rate.Limit(1), 3),
	}, nil
}

func (c *TelegramClient) Name() string { return "telegram" }

func (c *TelegramClient) Send(ctx context.Context, message string) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	msg := tgbotapi.NewMessage(c.chatID, message)
	msg.DisableWebPagePreview = true
	if _, err := c.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}
