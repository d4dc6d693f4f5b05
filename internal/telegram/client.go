// Package telegram sends turbine fault alerts through the Telegram Bot API.
//
// Alerts are formatted as MarkdownV2 and delivered with linear backoff retries.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Alert describes one non-normal prediction.
type Alert struct {
	PredictionID string
	EntityID     string
	Label        int
	Status       string
	Confidence   float64 // probability of the predicted class; negative when unknown
	At           time.Time
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatID, maxRetries, retryDelayBase)
}

func newClient(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// Notify sends one alert, retrying with a linearly growing delay.
func (c *Client) Notify(ctx context.Context, alert Alert) error {
	msg := tgbotapi.NewMessage(c.chatID, formatMessage(alert))
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("alert not sent: %w", ctx.Err())
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatMessage renders an alert as MarkdownV2.
func formatMessage(a Alert) string {
	var b strings.Builder

	emoji := "⚠️"
	switch a.Label {
	case 1:
		emoji = "🔥"
	case 2:
		emoji = "📳"
	}

	entity := a.EntityID
	if entity == "" {
		entity = "unidentified turbine"
	}

	fmt.Fprintf(&b, "%s *%s*\n\n", emoji, escapeMarkdownV2(a.Status))
	fmt.Fprintf(&b, "🌬 Turbine: %s\n", escapeMarkdownV2(entity))
	fmt.Fprintf(&b, "🏷 Label: %d\n", a.Label)
	if a.Confidence >= 0 {
		fmt.Fprintf(&b, "📊 Confidence: %s\n", escapeMarkdownV2(fmt.Sprintf("%.1f%%", a.Confidence*100)))
	}
	fmt.Fprintf(&b, "📅 At: %s\n", escapeMarkdownV2(a.At.UTC().Format("2006-01-02 15:04:05")))
	if a.PredictionID != "" {
		fmt.Fprintf(&b, "🆔 `%s`\n", a.PredictionID)
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	// Characters that need escaping in MarkdownV2:
	// _ * [ ] ( ) ~ ` > # + - = | { } . !
	var b strings.Builder
	b.Grow(len(text))
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
