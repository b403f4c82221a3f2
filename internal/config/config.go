// Package config provides YAML-based configuration loading for parlor.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Supported platforms.
const (
	PlatformDiscord = "discord"
	PlatformSlack   = "slack"
)

// Supported session stores.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreDolt   = "dolt"
)

// DefaultPromoEvery is the promo period when the file does not set one.
// A period of zero disables promos.
const DefaultPromoEvery = 4

// Environment variables that override secrets in the YAML file.
const (
	EnvDiscordToken     = "PARLOR_DISCORD_TOKEN"
	EnvSlackAppToken    = "PARLOR_SLACK_APP_TOKEN"
	EnvSlackBotToken    = "PARLOR_SLACK_BOT_TOKEN"
	EnvAnalyticsChannel = "PARLOR_ANALYTICS_CHANNEL"
)

// Config is the top-level parlor configuration, loaded from parlor.yaml.
type Config struct {
	Platform         string           `yaml:"platform"`
	AnalyticsChannel string           `yaml:"analytics_channel"`
	Discord          DiscordConfig    `yaml:"discord"`
	Slack            SlackConfig      `yaml:"slack"`
	Personas         PersonasConfig   `yaml:"personas"`
	Sessions         SessionsConfig   `yaml:"sessions"`
	Moderation       ModerationConfig `yaml:"moderation"`
	Promo            PromoConfig      `yaml:"promo"`
	Log              LogConfig        `yaml:"log"`
	Dashboard        DashboardConfig  `yaml:"dashboard"`
}

// DiscordConfig holds the Discord bot credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SlackConfig holds Slack app credentials for Socket Mode.
type SlackConfig struct {
	AppToken string `yaml:"app_token"` // xapp-...
	BotToken string `yaml:"bot_token"` // xoxb-...
}

// PersonasConfig locates the persona catalog.
type PersonasConfig struct {
	Dir string `yaml:"dir"`
	Max int    `yaml:"max"`
}

// SessionsConfig controls expiry and where session state is snapshotted.
type SessionsConfig struct {
	TimeoutSec       int        `yaml:"timeout_sec"`
	SweepIntervalSec int        `yaml:"sweep_interval_sec"`
	SweepCron        string     `yaml:"sweep_cron"`
	Store            string     `yaml:"store"`
	File             string     `yaml:"file"`
	SQLitePath       string     `yaml:"sqlite_path"`
	Dolt             DoltConfig `yaml:"dolt"`
}

// DoltConfig holds connection settings for the Dolt SQL server.
type DoltConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// ModerationConfig holds the static content filter.
type ModerationConfig struct {
	Denylist []string `yaml:"denylist"`
}

// PromoConfig controls the periodic promotional reply.
type PromoConfig struct {
	Every       int    `yaml:"every"`
	BaseURL     string `yaml:"base_url"`
	ButtonLabel string `yaml:"button_label"`
}

// LogConfig controls the rotating error log.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DashboardConfig controls the read-only status server.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Timeout returns the idle period after which a session expires.
func (s SessionsConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec) * time.Second
}

// SweepInterval returns the fixed period between expiry sweeps.
func (s SessionsConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSec) * time.Second
}

// Load reads a YAML config file from path and returns a validated Config.
// Secrets set in the environment take precedence over the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return parse(data, os.Getenv)
}

// Parse unmarshals YAML bytes into a validated Config without consulting
// the environment.
func Parse(data []byte) (*Config, error) {
	return parse(data, nil)
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	// Seeded before unmarshalling so an explicit "every: 0" survives.
	cfg := Config{Promo: PromoConfig{Every: DefaultPromoEvery}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if getenv != nil {
		cfg.ApplyEnv(getenv)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides secrets and the analytics channel with non-empty
// values returned by getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Discord.BotToken, EnvDiscordToken)
	set(&c.Slack.AppToken, EnvSlackAppToken)
	set(&c.Slack.BotToken, EnvSlackBotToken)
	set(&c.AnalyticsChannel, EnvAnalyticsChannel)
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	c.Platform = strings.ToLower(strings.TrimSpace(c.Platform))
	if c.Personas.Dir == "" {
		c.Personas.Dir = "./models"
	}
	if c.Personas.Max == 0 {
		c.Personas.Max = 10
	}
	if c.Sessions.TimeoutSec == 0 {
		c.Sessions.TimeoutSec = 900
	}
	if c.Sessions.SweepIntervalSec == 0 {
		c.Sessions.SweepIntervalSec = 300
	}
	c.Sessions.Store = strings.ToLower(strings.TrimSpace(c.Sessions.Store))
	if c.Sessions.Store == "" {
		c.Sessions.Store = StoreFile
	}
	if c.Sessions.File == "" {
		c.Sessions.File = "sessions.json"
	}
	if c.Sessions.SQLitePath == "" {
		c.Sessions.SQLitePath = "parlor.db"
	}
	if c.Sessions.Dolt.Host == "" {
		c.Sessions.Dolt.Host = "127.0.0.1"
	}
	if c.Sessions.Dolt.Port == 0 {
		c.Sessions.Dolt.Port = 3306
	}
	if c.Sessions.Dolt.Database == "" {
		c.Sessions.Dolt.Database = "parlor"
	}
	if c.Moderation.Denylist == nil {
		c.Moderation.Denylist = []string{"badword1", "badword2", "idiot"}
	}
	if c.Promo.ButtonLabel == "" {
		c.Promo.ButtonLabel = "🌟 Connect Now"
	}
	if c.Log.File == "" {
		c.Log.File = "bot-error.log"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8090
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case PlatformDiscord:
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required")
		}
	case PlatformSlack:
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
	case "":
		errs = append(errs, "platform is required")
	default:
		errs = append(errs, fmt.Sprintf("platform %q is not supported (want discord or slack)", c.Platform))
	}
	if c.Personas.Max < 0 {
		errs = append(errs, "personas.max must not be negative")
	}
	if c.Sessions.TimeoutSec < 0 {
		errs = append(errs, "sessions.timeout_sec must be positive")
	}
	if c.Sessions.SweepIntervalSec < 0 {
		errs = append(errs, "sessions.sweep_interval_sec must be positive")
	}
	if c.Sessions.SweepCron != "" {
		if _, err := cronParser.Parse(c.Sessions.SweepCron); err != nil {
			errs = append(errs, fmt.Sprintf("sessions.sweep_cron %q is invalid: %v", c.Sessions.SweepCron, err))
		}
	}
	switch c.Sessions.Store {
	case StoreMemory, StoreFile, StoreSQLite, StoreDolt:
	default:
		errs = append(errs, fmt.Sprintf("sessions.store %q is not supported", c.Sessions.Store))
	}
	if c.Promo.Every < 0 {
		errs = append(errs, "promo.every must not be negative")
	}
	if c.Promo.Every > 0 && c.Promo.BaseURL == "" {
		errs = append(errs, "promo.base_url is required")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Sprintf("dashboard.port %d is out of range", c.Dashboard.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
