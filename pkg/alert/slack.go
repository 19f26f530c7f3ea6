package alert

import (
	"context"
	"fmt"
)

// Slack posts a run digest to a Slack incoming webhook.
type Slack struct {
	poster
}

func NewSlack(webhookURL string) *Slack {
	return &Slack{poster: newPoster("slack webhook", webhookURL)}
}

func (s *Slack) Name() string { return "slack" }

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

// slackMaxChanges keeps the context block within Slack's element limit.
const slackMaxChanges = 5

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	blocks := []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: n.Title}},
		{Type: "section", Text: &slackText{Type: "mrkdwn", Text: fmt.Sprintf("*Shop:* %s | *Run:* %d\n%s", n.Competitor, n.RunID, n.Body)}},
	}
	if len(n.Changes) > 0 {
		ctxBlock := slackBlock{Type: "context"}
		for _, c := range n.Changes[:min(len(n.Changes), slackMaxChanges)] {
			name := c.Product
			if c.URL != "" {
				name = fmt.Sprintf("<%s|%s>", c.URL, c.Product)
			}
			ctxBlock.Elements = append(ctxBlock.Elements, slackText{Type: "mrkdwn", Text: name + " " + describe(c)})
		}
		blocks = append(blocks, ctxBlock)
	}
	return s.post(ctx, struct {
		Text   string       `json:"text"`
		Blocks []slackBlock `json:"blocks"`
	}{Text: n.Title, Blocks: blocks}, nil)
}
