package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/slack-go/slack"
)

// Slack posts notifications to an incoming webhook.
type Slack struct {
	url string
	hc  *http.Client
}

// NewSlack returns a Slack notifier for webhookURL. A nil client uses
// http.DefaultClient.
func NewSlack(webhookURL string, hc *http.Client) *Slack {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Slack{url: webhookURL, hc: hc}
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, n Notification) error {
	msg := &slack.WebhookMessage{
		Text:        n.Title,
		Attachments: []slack.Attachment{toAttachment(n)},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, s.url, s.hc, msg); err != nil {
		return fmt.Errorf("notify: slack: %w", err)
	}
	return nil
}

func toAttachment(n Notification) slack.Attachment {
	att := slack.Attachment{
		Title:    n.Title,
		Text:     n.Body,
		Color:    n.Severity.Color(),
		Fallback: n.Title,
	}
	if n.Instance != "" {
		att.Fields = append(att.Fields, slack.AttachmentField{Title: "Instance", Value: n.Instance, Short: true})
	}
	for _, f := range n.Fields {
		att.Fields = append(att.Fields, slack.AttachmentField{Title: f.Name, Value: f.Value, Short: true})
	}
	if !n.Time.IsZero() {
		att.Ts = json.Number(strconv.FormatInt(n.Time.Unix(), 10))
	}
	return att
}
