package roller

import (
	"time"

	"github.com/fortybyte/mudaeUtils/internal/config"
)

// Fixed game timings that are not worth configuring.
const (
	DailyInterval   = 24 * time.Hour
	minJitter       = 1  // minutes
	maxJitter       = 55 // minutes
	wordGameWindow  = 15 * time.Minute
	defaultCapacity = 10
)

// Settings is the immutable per-engine configuration.
type Settings struct {
	ChannelID string

	SystemAuthorID  string
	RollCommand     string
	QuotaCommand    string
	DailyCommands   []string
	DailyCommandGap time.Duration
	ClaimPhrase     string
	ClaimEmoji      string
	SkipMarkers     []string
	JoinTitles      []string
	QuotaCapacity   int

	PollInterval        time.Duration
	IdlePollInterval    time.Duration
	PausePollInterval   time.Duration
	ErrorBackoff        time.Duration
	ProbeSettle         time.Duration
	FirstRollDelay      time.Duration
	FetchLimit          int
	LogCapacity         int
	FallbackResetOffset int
}

// SettingsFromConfig derives engine settings for channelID from the loaded
// configuration.
func SettingsFromConfig(cfg *config.Config, channelID string) Settings {
	g, e := cfg.Game, cfg.Engine
	return Settings{
		ChannelID:           channelID,
		SystemAuthorID:      g.SystemAuthorID,
		RollCommand:         g.RollCommand,
		QuotaCommand:        g.QuotaCommand,
		DailyCommands:       append([]string{}, g.DailyCommands...),
		DailyCommandGap:     g.DailyCommandGap,
		ClaimPhrase:         g.ClaimPhrase,
		ClaimEmoji:          g.ClaimEmoji,
		SkipMarkers:         append([]string{}, g.SkipMarkers...),
		JoinTitles:          append([]string{}, g.JoinTitles...),
		QuotaCapacity:       g.QuotaCapacity,
		PollInterval:        e.PollInterval,
		IdlePollInterval:    e.IdlePollInterval,
		PausePollInterval:   e.PausePollInterval,
		ErrorBackoff:        e.ErrorBackoff,
		ProbeSettle:         e.ProbeSettle,
		FirstRollDelay:      e.FirstRollDelay,
		FetchLimit:          e.FetchLimit,
		LogCapacity:         e.LogCapacity,
		FallbackResetOffset: e.FallbackResetOffset,
	}
}

func (s *Settings) applyDefaults() {
	if s.SystemAuthorID == "" {
		s.SystemAuthorID = config.DefaultSystemAuthorID
	}
	if s.RollCommand == "" {
		s.RollCommand = "$wa"
	}
	if s.QuotaCommand == "" {
		s.QuotaCommand = "$ru"
	}
	if s.ClaimPhrase == "" {
		s.ClaimPhrase = "React with any emoji to claim!"
	}
	if s.ClaimEmoji == "" {
		s.ClaimEmoji = "👍"
	}
	if s.QuotaCapacity <= 0 {
		s.QuotaCapacity = defaultCapacity
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 2500 * time.Millisecond
	}
	if s.IdlePollInterval <= 0 {
		s.IdlePollInterval = 5 * time.Second
	}
	if s.PausePollInterval <= 0 {
		s.PausePollInterval = time.Second
	}
	if s.ErrorBackoff <= 0 {
		s.ErrorBackoff = 15 * time.Second
	}
	if s.FetchLimit <= 0 {
		s.FetchLimit = 5
	}
	if s.LogCapacity <= 0 {
		s.LogCapacity = 1000
	}
	if s.FallbackResetOffset <= 0 {
		s.FallbackResetOffset = 36
	}
}
