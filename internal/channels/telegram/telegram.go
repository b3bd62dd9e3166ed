// Package telegram adapts the Telegram Bot API (long polling via
// telego) to the channel pipeline.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/chozzz/vargos/internal/channels"
)

// Platform drives one Telegram bot.
type Platform struct {
	bot       *telego.Bot
	token     string
	onMessage channels.InboundFunc

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the platform; the bot connects on Connect.
func New(botToken string) (*Platform, error) {
	if botToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	return &Platform{token: botToken}, nil
}

func (p *Platform) Name() string { return "telegram" }

func (p *Platform) SetOnMessage(fn channels.InboundFunc) { p.onMessage = fn }

// Connect starts long polling for updates.
func (p *Platform) Connect(ctx context.Context) error {
	bot, err := telego.NewBot(p.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	p.bot = bot

	pollCtx, cancel := context.WithCancel(ctx)
	p.pollCancel = cancel
	p.pollDone = make(chan struct{})

	updates, err := bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram long polling: %w", err)
	}

	slog.Info("telegram connected", "username", bot.Username())

	go func() {
		defer close(p.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				p.handleUpdate(update)
			}
		}
	}()
	return nil
}

func (p *Platform) handleUpdate(update telego.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" || msg.From == nil {
		return
	}
	// Groups are out of scope for this adapter; only direct chats route.
	if msg.Chat.Type != telego.ChatTypePrivate {
		return
	}
	if p.onMessage != nil {
		p.onMessage(
			strconv.Itoa(msg.MessageID),
			strconv.FormatInt(msg.From.ID, 10),
			msg.Text,
		)
	}
}

// Disconnect stops polling.
func (p *Platform) Disconnect(_ context.Context) error {
	if p.pollCancel != nil {
		p.pollCancel()
		<-p.pollDone
	}
	return nil
}

// SendText delivers one message to a user chat.
func (p *Platform) SendText(ctx context.Context, userID, text string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram user id %q: %w", userID, err)
	}
	_, err = p.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	return err
}

// SendTyping sends one typing indicator.
func (p *Platform) SendTyping(ctx context.Context, userID string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram user id %q: %w", userID, err)
	}
	return p.bot.SendChatAction(ctx, &telego.SendChatActionParams{
		ChatID: tu.ID(chatID),
		Action: telego.ChatActionTyping,
	})
}
