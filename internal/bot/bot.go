package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"wpsync/internal/config"
	"wpsync/internal/feed"
	"wpsync/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Feed is the snapshot source the bot reads and refreshes.
type Feed interface {
	Current(scope string) feed.Snapshot
	Refresh(ctx context.Context, scope string) error
	Subscribe(ctx context.Context, scope string) *feed.Subscription
}

// LockReader inspects edit locks.
type LockReader interface {
	ReadLock(ctx context.Context, postType string, postID int64) (model.LockInfo, bool, error)
}

// Bot is the Telegram bot that answers operator commands and announces changes.
type Bot struct {
	api   telegramAPI
	feed  Feed
	locks LockReader
	cfg   *config.Config
	log   *slog.Logger
}

// New creates a Bot with the given Telegram token, feed, and config.
func New(token string, f Feed, locks LockReader, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	return &Bot{
		api:   api,
		feed:  f,
		locks: locks,
		cfg:   cfg,
		log:   log,
	}, nil
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				if !b.cfg.IsUserAllowed(update.CallbackQuery.From.ID) {
					continue
				}
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// Watch announces changes in scope to chatID until ctx is cancelled.
// The first snapshot received is the baseline and is not announced.
func (b *Bot) Watch(ctx context.Context, scope string, chatID int64) {
	sub := b.feed.Subscribe(ctx, scope)
	defer sub.Close()

	var prev feed.Snapshot
	var seen bool
	for snap := range sub.Snapshots(ctx) {
		if !seen {
			prev, seen = snap, true
			continue
		}
		changes := Diff(prev, snap)
		prev = snap
		if len(changes) == 0 {
			continue
		}
		b.log.Info("announcing changes", "scope", scope, "count", len(changes), "chat_id", chatID)
		b.SendMessage(chatID, FormatChanges(scope, changes))
	}
}

// SendMessage sends a text message to the given chat.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "scopes":
		b.handleScopes(chatID)
	case cmdPosts:
		b.handlePosts(chatID, args)
	case cmdRefresh:
		b.handleRefresh(ctx, chatID, args)
	case "lock":
		b.handleLock(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
