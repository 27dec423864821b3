package gateway

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// discordMaxContent is Discord's message length limit.
const discordMaxContent = 2000

// DiscordNotifier posts digests to a Discord channel over the REST API.
// It never opens the websocket gateway; sending needs no presence.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordNotifier creates a Discord notifier for a bot token.
func NewDiscordNotifier(token, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{
		session:   session,
		channelID: channelID,
		logger:    logger,
	}, nil
}

func (n *DiscordNotifier) Platform() string { return "discord" }

// Notify sends the digest as a single message, truncated to Discord's limit.
func (n *DiscordNotifier) Notify(ctx context.Context, d *Digest) error {
	content := truncateRunes(fmt.Sprintf("**%s**\n%s", d.Title, d.Content), discordMaxContent)
	msg, err := n.session.ChannelMessageSend(n.channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	n.logger.Debug("discord digest posted",
		zap.String("channel", n.channelID),
		zap.String("message", msg.ID))
	return nil
}

func (n *DiscordNotifier) Close() error { return nil }

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
