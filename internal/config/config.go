// Package config provides YAML-based configuration loading for mudaeUtils.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSystemAuthorID is the user ID of the game bot whose messages are parsed.
const DefaultSystemAuthorID = "432610292342587392"

// Config is the top-level configuration, loaded from mudae.yaml.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	Game       GameConfig       `yaml:"game"`
	Engine     EngineConfig     `yaml:"engine"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Wordmap    WordmapConfig    `yaml:"wordmap"`
	Notify     NotifyConfig     `yaml:"notify"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// DatabaseConfig selects where instance records are persisted.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ServerConfig holds dashboard settings.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	PasswordHash   string        `yaml:"password_hash"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// GameConfig describes the remote game's commands and message wording.
type GameConfig struct {
	SystemAuthorID  string        `yaml:"system_author_id"`
	RollCommand     string        `yaml:"roll_command"`
	QuotaCommand    string        `yaml:"quota_command"`
	DailyCommands   []string      `yaml:"daily_commands"`
	DailyCommandGap time.Duration `yaml:"daily_command_gap"`
	ClaimPhrase     string        `yaml:"claim_phrase"`
	ClaimEmoji      string        `yaml:"claim_emoji"`
	SkipMarkers     []string      `yaml:"skip_markers"`
	QuotaCapacity   int           `yaml:"quota_capacity"`
	GiveUpToken     string        `yaml:"give_up_token"`
	JoinTitles      []string      `yaml:"join_titles"`
	KeywordsFile    string        `yaml:"keywords_file"`
}

// EngineConfig holds the automation loop's pacing intervals.
type EngineConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval"`
	IdlePollInterval    time.Duration `yaml:"idle_poll_interval"`
	PausePollInterval   time.Duration `yaml:"pause_poll_interval"`
	ErrorBackoff        time.Duration `yaml:"error_backoff"`
	ProbeSettle         time.Duration `yaml:"probe_settle"`
	FirstRollDelay      time.Duration `yaml:"first_roll_delay"`
	FetchLimit          int           `yaml:"fetch_limit"`
	LogCapacity         int           `yaml:"log_capacity"`
	FallbackResetOffset int           `yaml:"fallback_reset_offset"`
}

// SupervisorConfig tunes instance restoration and the health monitor.
type SupervisorConfig struct {
	HealthSchedule string        `yaml:"health_schedule"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	MaxFailures    int           `yaml:"max_failures"`
	StartStagger   time.Duration `yaml:"start_stagger"`
	RestartDelay   time.Duration `yaml:"restart_delay"`
}

// WordmapConfig points at the precomputed word-guess table.
type WordmapConfig struct {
	Source         string `yaml:"source"`
	GitHubTokenEnv string `yaml:"github_token_env"`
}

// NotifyConfig holds optional failure notification targets.
type NotifyConfig struct {
	SlackWebhookURL   string `yaml:"slack_webhook_url"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Parse(nil)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "mudae.db")
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}

	if c.Server.Port == 0 {
		c.Server.Port = 3001
	}
	if c.Server.SessionTTL == 0 {
		c.Server.SessionTTL = 24 * time.Hour
	}

	g := &c.Game
	if g.SystemAuthorID == "" {
		g.SystemAuthorID = DefaultSystemAuthorID
	}
	if g.RollCommand == "" {
		g.RollCommand = "$wa"
	}
	if g.QuotaCommand == "" {
		g.QuotaCommand = "$ru"
	}
	if len(g.DailyCommands) == 0 {
		g.DailyCommands = []string{"$dk", "$daily"}
	}
	if g.DailyCommandGap == 0 {
		g.DailyCommandGap = 3 * time.Second
	}
	if g.ClaimPhrase == "" {
		g.ClaimPhrase = "React with any emoji to claim!"
	}
	if g.ClaimEmoji == "" {
		g.ClaimEmoji = "👍"
	}
	if g.SkipMarkers == nil {
		g.SkipMarkers = []string{"wished"}
	}
	if g.QuotaCapacity == 0 {
		g.QuotaCapacity = 10
	}
	if g.GiveUpToken == "" {
		g.GiveUpToken = "give up"
	}
	if g.JoinTitles == nil {
		g.JoinTitles = []string{"The Black Teaword will start!", "The Red Teaword will start!"}
	}
	if g.KeywordsFile == "" {
		g.KeywordsFile = filepath.Join(c.DataDir, "chars.json")
	}

	e := &c.Engine
	if e.PollInterval == 0 {
		e.PollInterval = 2500 * time.Millisecond
	}
	if e.IdlePollInterval == 0 {
		e.IdlePollInterval = 5 * time.Second
	}
	if e.PausePollInterval == 0 {
		e.PausePollInterval = time.Second
	}
	if e.ErrorBackoff == 0 {
		e.ErrorBackoff = 15 * time.Second
	}
	if e.ProbeSettle == 0 {
		e.ProbeSettle = 2500 * time.Millisecond
	}
	if e.FirstRollDelay == 0 {
		e.FirstRollDelay = 10 * time.Second
	}
	if e.FetchLimit == 0 {
		e.FetchLimit = 5
	}
	if e.LogCapacity == 0 {
		e.LogCapacity = 1000
	}
	if e.FallbackResetOffset == 0 {
		e.FallbackResetOffset = 36
	}

	s := &c.Supervisor
	if s.HealthSchedule == "" {
		s.HealthSchedule = "@every 60s"
	}
	if s.StaleAfter == 0 {
		s.StaleAfter = 5 * time.Minute
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 3
	}
	if s.StartStagger == 0 {
		s.StartStagger = 2 * time.Second
	}
	if s.RestartDelay == 0 {
		s.RestartDelay = 5 * time.Second
	}

	if c.Wordmap.Source == "" {
		c.Wordmap.Source = filepath.Join(c.DataDir, "map.json")
	}
	if c.Wordmap.GitHubTokenEnv == "" {
		c.Wordmap.GitHubTokenEnv = "GITHUB_TOKEN"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite":
	case "mysql":
		if c.Database.Name == "" {
			errs = append(errs, "database.name is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported", c.Log.Format))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if c.Game.QuotaCapacity < 0 {
		errs = append(errs, "game.quota_capacity must not be negative")
	}
	if c.Engine.FetchLimit < 1 || c.Engine.FetchLimit > 100 {
		errs = append(errs, "engine.fetch_limit must be between 1 and 100")
	}
	if c.Engine.FallbackResetOffset < 0 || c.Engine.FallbackResetOffset > 59 {
		errs = append(errs, "engine.fallback_reset_offset must be between 0 and 59")
	}
	if c.Supervisor.MaxFailures < 0 {
		errs = append(errs, "supervisor.max_failures must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
