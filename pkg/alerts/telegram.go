package alerts

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier sends alerts to a single administrative Telegram chat.
type TelegramNotifier struct {
	bot            *tgbotapi.BotAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewTelegramNotifier creates a Telegram notifier using the public Bot API.
func NewTelegramNotifier(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*TelegramNotifier, error) {
	return NewTelegramNotifierWithEndpoint(botToken, chatID, tgbotapi.APIEndpoint, nil, maxRetries, retryDelayBase)
}

// NewTelegramNotifierWithEndpoint creates a Telegram notifier against a custom
// Bot API endpoint of the form "https://host/bot%s/%s".
func NewTelegramNotifierWithEndpoint(botToken, chatID, endpoint string, client *http.Client, maxRetries int, retryDelayBase time.Duration) (*TelegramNotifier, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(botToken, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &TelegramNotifier{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

func (t *TelegramNotifier) Name() string { return "telegram" }

// Send delivers the alert as plain text with linear-backoff retry.
func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	msg := tgbotapi.NewMessage(t.chatID, FormatText(alert))

	var lastErr error
	for i := 0; i < t.maxRetries; i++ {
		if _, err := t.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == t.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("send telegram alert: %w", ctx.Err())
		case <-time.After(t.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("send telegram alert: failed after %d retries: %w", t.maxRetries, lastErr)
}
