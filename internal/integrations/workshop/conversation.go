package workshop

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"servicecert/internal/domain"
)

// maxMessagePages bounds pagination if the API keeps returning a token.
const maxMessagePages = 200

var excessNewlinesRe = regexp.MustCompile(`\n{3,}`)

// ConversationText assembles the chronological text of a ticket's messenger
// channel. ok is false, with a nil error, when the ticket has no channel or
// the channel holds no visible text messages.
func (c *Client) ConversationText(ctx context.Context, ticketID string) (text string, ok bool, err error) {
	ticket, err := c.GetTicket(ctx, ticketID)
	if err != nil {
		return "", false, err
	}
	if ticket.ChannelID == "" {
		c.log.Debug("ticket has no messenger channel", zap.String("ticket_id", ticketID))
		return "", false, nil
	}

	var messages []domain.Message
	token := ""
	for page := 0; ; page++ {
		if page >= maxMessagePages {
			return "", false, fmt.Errorf("channel %s: more than %d message pages", ticket.ChannelID, maxMessagePages)
		}
		p, err := c.ListChannelMessages(ctx, ticket.ChannelID.String(), token)
		if err != nil {
			return "", false, err
		}
		messages = append(messages, p.Data...)
		if p.NextToken == "" || p.NextToken == token {
			break
		}
		token = p.NextToken
	}

	text = JoinMessages(messages)
	if text == "" {
		return "", false, nil
	}
	return text, true, nil
}

// JoinMessages keeps non-redacted text messages, orders them by creation
// time and joins their content with newlines.
func JoinMessages(messages []domain.Message) string {
	kept := make([]domain.Message, 0, len(messages))
	for _, m := range messages {
		if m.Redacted || !strings.EqualFold(m.Type, "text") {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		kept = append(kept, m)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].CreatedAt.Before(kept[j].CreatedAt)
	})

	parts := make([]string, len(kept))
	for i, m := range kept {
		parts[i] = m.Content
	}
	joined := strings.Join(parts, "\n")
	joined = strings.ReplaceAll(joined, "\r\n", "\n")
	joined = excessNewlinesRe.ReplaceAllString(joined, "\n\n")
	return strings.TrimSpace(joined)
}
