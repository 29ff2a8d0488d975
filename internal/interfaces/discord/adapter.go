// Copyright 2026 Loomgate Authors. All rights reserved.

package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/loomgate/loomgate/internal/domain/service"
	"github.com/loomgate/loomgate/pkg/safego"
	"go.uber.org/zap"
)

// discordChannel names sessions owned by this adapter.
const discordChannel = "discord"

// maxDiscordMessage is Discord's hard message length limit.
const maxDiscordMessage = 2000

// Adapter feeds Discord DMs and mentions into the agent and replies with
// the final content. Each Discord user gets their own session.
type Adapter struct {
	token     string
	allowFrom map[string]bool
	agent     *service.Agent
	commands  *service.Commands
	logger    *zap.Logger

	session *discordgo.Session
}

// NewAdapter builds a stopped adapter. allowFrom lists permitted user
// ids; empty means everyone.
func NewAdapter(token string, allowFrom []string, agent *service.Agent, commands *service.Commands, logger *zap.Logger) *Adapter {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = true
	}
	return &Adapter{
		token:     token,
		allowFrom: allowed,
		agent:     agent,
		commands:  commands,
		logger:    logger.With(zap.String("component", "discord")),
	}
}

// Start opens the gateway connection.
func (a *Adapter) Start() error {
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	session.AddHandler(a.onMessage)

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	a.session = session
	a.logger.Info("Discord adapter connected")
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop() {
	if a.session != nil {
		a.session.Close()
		a.logger.Info("Discord adapter stopped")
	}
}

func (a *Adapter) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
		return
	}
	if len(a.allowFrom) > 0 && !a.allowFrom[m.Author.ID] {
		return
	}

	content := strings.TrimSpace(strings.ReplaceAll(m.Content, s.State.User.Mention(), ""))
	if content == "" {
		return
	}

	safego.Go(a.logger, "discord-turn", func() {
		sessionID := discordChannel + ":" + m.Author.ID
		if reply, ok := a.commands.Handle(context.Background(), sessionID, content); ok {
			a.reply(m.ChannelID, reply)
			return
		}

		resp := a.agent.ProcessMessage(context.Background(), discordChannel, m.Author.ID, content,
			service.TurnOptions{Mode: service.ModeNonStreaming}, service.TurnCallbacks{})
		if resp.Interrupted || resp.Content == "" {
			return
		}
		a.reply(m.ChannelID, resp.Content)
	})
}

// reply sends text, chunked under Discord's message length limit.
func (a *Adapter) reply(channelID, text string) {
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxDiscordMessage {
			cut := strings.LastIndex(chunk[:maxDiscordMessage], "\n")
			if cut < maxDiscordMessage/2 {
				cut = maxDiscordMessage
			}
			chunk = text[:cut]
		}
		text = text[len(chunk):]

		if _, err := a.session.ChannelMessageSend(channelID, chunk); err != nil {
			a.logger.Warn("Failed to send discord message", zap.Error(err))
			return
		}
	}
}
