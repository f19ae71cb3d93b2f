package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// DiscordWebhook posts notifications as embeds through a channel webhook.
type DiscordWebhook struct {
	id, token string
	s         *discordgo.Session
}

// NewDiscordWebhook parses a webhook URL of the form
// https://discord.com/api/webhooks/<id>/<token>.
func NewDiscordWebhook(webhookURL string, hc *http.Client) (*DiscordWebhook, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	if hc != nil {
		s.Client = hc
	}
	return &DiscordWebhook{id: id, token: token, s: s}, nil
}

func parseWebhookURL(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("notify: discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" && parts[i+1] != "" && parts[i+2] != "" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("notify: discord webhook url %q has no webhooks/<id>/<token> path", raw)
}

// Notify implements Notifier.
func (d *DiscordWebhook) Notify(ctx context.Context, n Notification) error {
	params := &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{toEmbed(n)}}
	if _, err := d.s.WebhookExecute(d.id, d.token, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("notify: discord webhook: %w", err)
	}
	return nil
}

func toEmbed(n Notification) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Body,
		Color:       parseHexColor(n.Severity.Color()),
	}
	if n.Instance != "" {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Instance", Value: n.Instance, Inline: true})
	}
	for _, f := range n.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value, Inline: true})
	}
	if !n.Time.IsZero() {
		e.Timestamp = n.Time.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return e
}

// parseHexColor converts "#36a64f" to its integer value.
func parseHexColor(hex string) int {
	v, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}
