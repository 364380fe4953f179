package bot

import (
	"context"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdPosts   = "posts"
	cmdRefresh = "refresh"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Send(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	action, scope, ok := strings.Cut(data, ":")
	if !ok || scope == "" {
		return
	}

	b.log.Info("callback",
		"action", action,
		"scope", scope,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case cmdPosts:
		b.handlePosts(chatID, scope)
	case cmdRefresh:
		b.handleRefresh(ctx, chatID, scope)
	}
}
