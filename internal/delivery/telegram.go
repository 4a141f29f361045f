package delivery

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"geofencing/internal/config"
	"geofencing/internal/domain"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// TelegramSink posts delivery records to a Telegram chat.
// Params: bot client and target chat.
// Returns: Sink backed by Telegram Bot API.
type TelegramSink struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramSink creates Telegram sink; setup errors surface on Deliver.
// Params: Telegram config with token, chat, and API base.
// Returns: sink.
func NewTelegramSink(cfg config.TelegramConfig) *TelegramSink {
	sink := &TelegramSink{chatID: normalizeChatID(cfg.ChatID)}
	if strings.TrimSpace(cfg.BotToken) == "" {
		sink.initErr = errors.New("telegram bot token is required")
		return sink
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sink.initErr = errors.New("telegram chat_id is required")
		return sink
	}

	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"); base != "" {
		options = append(options, tgbot.WithServerURL(base))
	}
	client, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sink.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sink
	}
	sink.client = client
	return sink
}

// Deliver sends record title and text as one HTML message.
// Params: context and record.
// Returns: setup or Bot API error.
func (s *TelegramSink) Deliver(ctx context.Context, record domain.DeliveryRecord) error {
	if s.initErr != nil {
		return s.initErr
	}
	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      formatTelegramText(record),
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return errors.New("telegram send returned empty message id")
	}
	return nil
}

func formatTelegramText(record domain.DeliveryRecord) string {
	text := html.EscapeString(record.Text)
	if title := strings.TrimSpace(record.Title); title != "" {
		return "<b>" + html.EscapeString(title) + "</b>\n" + text
	}
	return text
}

// normalizeChatID converts numeric chat IDs to int64 and keeps channel usernames as string.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
