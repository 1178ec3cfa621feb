package slackbot

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"servicecert/internal/logging"
)

// Slack rejects section text over 3000 characters.
const maxSectionText = 2900

// Notifier posts run summaries to one channel.
type Notifier struct {
	api     *slack.Client
	channel string
	log     *zap.Logger
}

func NewNotifier(token, channelID string, log *zap.Logger, opts ...slack.Option) *Notifier {
	return &Notifier{
		api:     slack.New(token, opts...),
		channel: channelID,
		log:     logging.OrNop(log),
	}
}

// Notify posts a header block with title and a markdown section with body.
// The plain text fallback carries both.
func (n *Notifier) Notify(ctx context.Context, title, body string) error {
	section := truncate(body, maxSectionText)
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, title, false, false)),
	}
	if strings.TrimSpace(section) != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, section, false, false), nil, nil))
	}

	_, ts, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(title+"\n"+body, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("posting to slack channel %s: %w", n.channel, err)
	}
	n.log.Debug("slack summary posted", zap.String("channel", n.channel), zap.String("ts", ts))
	return nil
}

// truncate cuts s to at most max bytes on a rune boundary and marks the cut.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n…"
}
