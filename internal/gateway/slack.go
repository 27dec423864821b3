package gateway

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts digests to a Slack channel with a bot token.
type SlackNotifier struct {
	client   *slack.Client
	channel  string
	username string
	emoji    string
	logger   *zap.Logger
}

// NewSlackNotifier creates a Slack notifier. botToken is the Bot User OAuth
// Token (xoxb-...). apiURL overrides the Slack API base when non-empty.
func NewSlackNotifier(botToken, channel, apiURL string, logger *zap.Logger) *SlackNotifier {
	opts := []slack.Option{}
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackNotifier{
		client:   slack.New(botToken, opts...),
		channel:  channel,
		username: "living-knowledge",
		emoji:    ":seedling:",
		logger:   logger,
	}
}

func (n *SlackNotifier) Platform() string { return "slack" }

// Notify posts the digest title in bold followed by its content.
func (n *SlackNotifier) Notify(ctx context.Context, d *Digest) error {
	text := fmt.Sprintf("*%s*\n%s", d.Title, d.Content)
	_, ts, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionUsername(n.username),
		slack.MsgOptionIconEmoji(n.emoji),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	n.logger.Debug("slack digest posted",
		zap.String("channel", n.channel),
		zap.String("ts", ts))
	return nil
}

func (n *SlackNotifier) Close() error { return nil }
