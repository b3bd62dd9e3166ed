// Package discord adapts Discord direct messages (discordgo) to the
// channel pipeline.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/chozzz/vargos/internal/channels"
)

// Platform drives one Discord bot over the gateway websocket.
type Platform struct {
	session   *discordgo.Session
	token     string
	botID     string
	onMessage channels.InboundFunc
}

// New creates the platform; the session opens on Connect.
func New(botToken string) (*Platform, error) {
	if botToken == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	return &Platform{token: botToken}, nil
}

func (p *Platform) Name() string { return "discord" }

func (p *Platform) SetOnMessage(fn channels.InboundFunc) { p.onMessage = fn }

// Connect opens the session and starts receiving DMs.
func (p *Platform) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + p.token)
	if err != nil {
		return fmt.Errorf("discord session init: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	session.AddHandler(p.handleMessage)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	user, err := session.User("@me")
	if err != nil {
		session.Close()
		return fmt.Errorf("discord identify: %w", err)
	}
	p.botID = user.ID
	p.session = session
	slog.Info("discord connected", "username", user.Username)
	return nil
}

func (p *Platform) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == p.botID || m.Author.Bot {
		return
	}
	// Only direct messages: guild messages carry a GuildID.
	if m.GuildID != "" || m.Content == "" {
		return
	}
	if p.onMessage != nil {
		p.onMessage(m.ID, m.Author.ID, m.Content)
	}
}

// Disconnect closes the session.
func (p *Platform) Disconnect(_ context.Context) error {
	if p.session == nil {
		return nil
	}
	return p.session.Close()
}

// SendText delivers one DM, creating the channel if needed.
func (p *Platform) SendText(_ context.Context, userID, text string) error {
	ch, err := p.session.UserChannelCreate(userID)
	if err != nil {
		return fmt.Errorf("discord dm channel: %w", err)
	}
	_, err = p.session.ChannelMessageSend(ch.ID, text)
	return err
}

// SendTyping sends one typing indicator to the user's DM channel.
func (p *Platform) SendTyping(_ context.Context, userID string) error {
	ch, err := p.session.UserChannelCreate(userID)
	if err != nil {
		return err
	}
	return p.session.ChannelTyping(ch.ID)
}
