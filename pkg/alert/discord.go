package alert

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	discordMaxChanges = 10
	colorDrops        = 0x2E8B57
	colorRises        = 0xD9534F
)

// Discord posts a run digest as an embed to a Discord webhook.
type Discord struct {
	poster
	now func() time.Time
}

func NewDiscord(webhookURL string) *Discord {
	return &Discord{poster: newPoster("discord webhook", webhookURL), now: time.Now}
}

func (d *Discord) Name() string { return "discord" }

type discordEmbed struct {
	Title       string `json:"title"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	var b strings.Builder
	fmt.Fprintf(&b, "**Shop:** %s | **Run:** %d\n%s\n", n.Competitor, n.RunID, n.Body)
	for _, c := range n.Changes[:min(len(n.Changes), discordMaxChanges)] {
		if c.URL != "" {
			fmt.Fprintf(&b, "\n• [%s](%s) %s", c.Product, c.URL, describe(c))
		} else {
			fmt.Fprintf(&b, "\n• %s %s", c.Product, describe(c))
		}
	}

	embed := discordEmbed{
		Title:       n.Title,
		URL:         n.URL,
		Description: b.String(),
		Color:       colorRises,
		Timestamp:   d.now().UTC().Format(time.RFC3339),
	}
	var drops int
	for _, c := range n.Changes {
		if c.DeltaCents < 0 {
			drops++
		}
	}
	if drops*2 >= len(n.Changes) {
		embed.Color = colorDrops
	}

	return d.post(ctx, struct {
		Embeds []discordEmbed `json:"embeds"`
	}{Embeds: []discordEmbed{embed}}, nil)
}
