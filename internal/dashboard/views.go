package dashboard

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/supervisor"
)

// InstanceRow holds instance data for the status page.
type InstanceRow struct {
	ID        string
	User      string
	ChannelID string
	State     string
	Remaining string
	NextRoll  string
	Rolls     int
	Claimed   string
	Active    string
	Failures  int
}

var templateFuncs = template.FuncMap{
	"stateClass": func(state string) string { return "state-" + state },
}

// instanceRows converts supervisor descriptions for display.
func instanceRows(list []supervisor.Info, now time.Time) []InstanceRow {
	rows := make([]InstanceRow, len(list))
	for i, info := range list {
		user := "-"
		if info.Identity != nil {
			user = info.Identity.DisplayName()
		}
		next := "-"
		if !info.NextRollAt.IsZero() && info.State.String() != "stopped" {
			if d := info.NextRollAt.Sub(now); d > 0 {
				next = "in " + formatDuration(d)
			} else {
				next = "due"
			}
		}
		rows[i] = InstanceRow{
			ID:        info.ID,
			User:      user,
			ChannelID: info.ChannelID,
			State:     info.State.String(),
			Remaining: fmt.Sprintf("%d/%d", info.RemainingRolls, info.QuotaCapacity),
			NextRoll:  next,
			Rolls:     info.Stats.TotalRolls,
			Claimed:   strings.Join(info.Stats.ClaimedNames, ", "),
			Active:    timeAgo(info.LastActivity, now),
			Failures:  info.Failures,
		}
	}
	return rows
}

// timeAgo renders how long before now t was.
func timeAgo(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	return formatDuration(d) + " ago"
}

// formatDuration formats a duration as a human-readable string like "2h 15m".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h >= 24 {
		days := h / 24
		h = h % 24
		return fmt.Sprintf("%dd %dh", days, h)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}
