package bot

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// lockTTL matches the window after which WordPress itself treats a lock as abandoned.
const lockTTL = 150 * time.Second

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to wpsync!

I keep an eye on your WordPress site and tell you when posts appear or change status.

Quick start:
1. /scopes — see what is being watched
2. /posts <scope> — latest items in a scope
3. /refresh <scope> — crawl a scope now

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Commands:
/scopes — watched scopes with item counts
/posts <scope> — most recently modified items
/refresh <scope> — re-crawl a scope now
/lock <type> <id> — show who is editing an item

Scopes are REST bases such as posts or pages.`)
}

func (b *Bot) handleScopes(chatID int64) {
	counts := make(map[string]int, len(b.cfg.Scopes))
	for _, scope := range b.cfg.Scopes {
		counts[scope] = b.feed.Current(scope).Len()
	}

	msg := tgbotapi.NewMessage(chatID, FormatScopeList(b.cfg.Scopes, counts))
	if len(b.cfg.Scopes) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(b.cfg.Scopes))
		for _, scope := range b.cfg.Scopes {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Posts: "+scope, cmdPosts+":"+scope),
				tgbotapi.NewInlineKeyboardButtonData("Refresh: "+scope, cmdRefresh+":"+scope),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send scope list", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handlePosts(chatID int64, args string) {
	scope, err := ParseScopeArg(args, b.cfg.Scopes)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	b.reply(chatID, FormatPostList(b.feed.Current(scope), 20))
}

func (b *Bot) handleRefresh(ctx context.Context, chatID int64, args string) {
	scope, err := ParseScopeArg(args, b.cfg.Scopes)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	if err := b.feed.Refresh(ctx, scope); err != nil {
		b.reply(chatID, fmt.Sprintf("Refresh of %s failed: %v", scope, err))
		return
	}
	snap := b.feed.Current(scope)
	b.reply(chatID, fmt.Sprintf("Refreshed %s: %d item(s), version %d.", scope, snap.Len(), snap.Version))
}

func (b *Bot) handleLock(ctx context.Context, chatID int64, args string) {
	postType, id, err := ParseLockArgs(args)
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}

	info, locked, err := b.locks.ReadLock(ctx, postType, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to read lock: %v", err))
		return
	}
	if !locked {
		b.reply(chatID, fmt.Sprintf("%s #%d is not locked.", postType, id))
		return
	}
	b.reply(chatID, FormatLock(postType, id, info, time.Now()))
}
