// Package notify delivers operator alerts about instances that stopped or
// need attention.
package notify

//go:generate mockgen -source=notify.go -destination=mocks/mock_notifier.go -package=mocks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/config"
	"github.com/rs/zerolog"
)

// Severity of a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Sidebar colors per severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Color returns the sidebar color for s.
func (s Severity) Color() string {
	switch s {
	case SeveritySuccess:
		return ColorSuccess
	case SeverityWarning:
		return ColorWarning
	case SeverityError:
		return ColorError
	default:
		return ColorInfo
	}
}

// Field is a key-value pair shown with a notification.
type Field struct {
	Name  string
	Value string
}

// Notification is one alert.
type Notification struct {
	Instance string
	Title    string
	Body     string
	Severity Severity
	Fields   []Field
	Time     time.Time
}

// Notifier delivers notifications. Delivery is best-effort; callers log
// returned errors and carry on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, x := range m {
		if err := x.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to the process logger.
type Log struct {
	Logger zerolog.Logger
}

// Notify implements Notifier.
func (l Log) Notify(_ context.Context, n Notification) error {
	var ev *zerolog.Event
	switch n.Severity {
	case SeverityError:
		ev = l.Logger.Error()
	case SeverityWarning:
		ev = l.Logger.Warn()
	default:
		ev = l.Logger.Info()
	}
	ev = ev.Str("instance", n.Instance)
	for _, f := range n.Fields {
		ev = ev.Str(f.Name, f.Value)
	}
	if n.Body != "" {
		ev = ev.Str("detail", n.Body)
	}
	ev.Msg(n.Title)
	return nil
}

// FromConfig builds the notifier chain: the process log always, plus Slack
// and Discord webhooks when configured.
func FromConfig(cfg config.NotifyConfig, logger zerolog.Logger, hc *http.Client) (Notifier, error) {
	chain := Multi{Log{Logger: logger}}
	if cfg.SlackWebhookURL != "" {
		chain = append(chain, NewSlack(cfg.SlackWebhookURL, hc))
	}
	if cfg.DiscordWebhookURL != "" {
		d, err := NewDiscordWebhook(cfg.DiscordWebhookURL, hc)
		if err != nil {
			return nil, err
		}
		chain = append(chain, d)
	}
	return chain, nil
}
