// Package config loads the per-bot YAML configuration. It mirrors the
// teacher's two-stage shape (struct of
// defaults, then the file unmarshalled on top, then env overrides for
// secrets) without carrying over its JSON5/managed-mode surface.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// envSecrets holds process-wide credential fallbacks. A single-bot
// deployment can set these directly instead of pointing token_env_var/
// api_key_env_var at a custom variable name.
type envSecrets struct {
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	DiscordToken    string `env:"DISCORD_BOT_TOKEN"`
}

// Config is the root configuration for a single bot instance.
type Config struct {
	BotID       string            `yaml:"bot_id"`
	Discord     DiscordConfig     `yaml:"discord"`
	Personality PersonalityConfig `yaml:"personality"`
	Reactive    ReactiveConfig    `yaml:"reactive"`
	Agentic     AgenticConfig     `yaml:"agentic"`
	API         APIConfig         `yaml:"api"`
	RateLimit   RateLimitConfig   `yaml:"rate_limiting"`
	Images      ImagesConfig      `yaml:"images"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DiscordConfig names the gateway token's env var rather than the secret itself.
type DiscordConfig struct {
	TokenEnvVar           string   `yaml:"token_env_var"`
	Servers               []string `yaml:"servers"`
	BackfillEnabled       bool     `yaml:"backfill_enabled"`
	BackfillDays          int      `yaml:"backfill_days"`
	BackfillUnlimited     bool     `yaml:"backfill_unlimited"`
	BackfillInBackground  bool     `yaml:"backfill_in_background"`

	// Token is resolved from the env var named above; never read from YAML directly.
	Token string `yaml:"-"`
}

type PersonalityConfig struct {
	BasePrompt string           `yaml:"base_prompt"`
	Engagement EngagementRates  `yaml:"engagement"`
}

// EngagementRates are the Decide() response probabilities by momentum.
type EngagementRates struct {
	Cold    float64 `yaml:"cold_rate"`
	Warm    float64 `yaml:"warm_rate"`
	Hot     float64 `yaml:"hot_rate"`
	Mention float64 `yaml:"mention_rate"`
}

type CooldownLadder struct {
	PerUser       time.Duration `yaml:"per_user"`
	SingleMessage time.Duration `yaml:"single_message"`
	MultiMessage  time.Duration `yaml:"multi_message"`
	HeavyActivity time.Duration `yaml:"heavy_activity"`
}

// MomentumThresholds open-question resolution (15/60 min, configurable).
type MomentumThresholds struct {
	HotUnder  time.Duration `yaml:"hot_under"`
	WarmUnder time.Duration `yaml:"warm_under"`
}

type ReactiveConfig struct {
	CheckIntervalSeconds int                `yaml:"check_interval_seconds"`
	ContextWindow        int                `yaml:"context_window"`
	Cooldowns            CooldownLadder     `yaml:"cooldowns"`
	Momentum             MomentumThresholds `yaml:"momentum"`
	QuietHoursStart      int                `yaml:"quiet_hours_start"` // local hour, 0-23
	QuietHoursEnd        int                `yaml:"quiet_hours_end"`
}

type FollowupsConfig struct {
	Enabled          bool    `yaml:"enabled"`
	MaxAgeDays        int     `yaml:"max_age_days"`
	PriorityThreshold string  `yaml:"priority_threshold"` // "low", "medium", "high"
}

type ProactiveConfig struct {
	Enabled              bool     `yaml:"enabled"`
	MinIdleHours         float64  `yaml:"min_idle_hours"`
	MaxIdleHours         float64  `yaml:"max_idle_hours"`
	MaxPerDayGlobal      int      `yaml:"max_per_day_global"`
	MaxPerDayPerChannel  int      `yaml:"max_per_day_per_channel"`
	EngagementThreshold  float64  `yaml:"engagement_threshold"`
	QuietHours           string   `yaml:"quiet_hours"`
	AllowedChannels      []string `yaml:"allowed_channels"`
}

type AgenticConfig struct {
	CheckIntervalHours float64         `yaml:"check_interval_hours"`
	Followups          FollowupsConfig `yaml:"followups"`
	Proactive          ProactiveConfig `yaml:"proactive"`
}

type ExtendedThinkingConfig struct {
	Enabled      bool `yaml:"enabled"`
	BudgetTokens int  `yaml:"budget_tokens"`
}

type ContextEditingConfig struct {
	Enabled      bool     `yaml:"enabled"`
	TriggerTokens int     `yaml:"trigger_tokens"`
	KeepToolUses int      `yaml:"keep_tool_uses"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

type WebSearchConfig struct {
	Enabled           bool     `yaml:"enabled"`
	MaxDaily          int      `yaml:"max_daily"`
	MaxPerRequest     int      `yaml:"max_per_request"`
	CitationsEnabled  bool     `yaml:"citations_enabled"`
	MaxContentTokens  int      `yaml:"max_content_tokens"`
	AllowedDomains    []string `yaml:"allowed_domains"`
	BlockedDomains    []string `yaml:"blocked_domains"`
}

type APIConfig struct {
	Model             string                 `yaml:"model"`
	MaxTokens         int                    `yaml:"max_tokens"`
	ExtendedThinking  ExtendedThinkingConfig `yaml:"extended_thinking"`
	ContextEditing    ContextEditingConfig   `yaml:"context_editing"`
	WebSearch         WebSearchConfig        `yaml:"web_search"`

	// APIKeyEnvVar names the env var holding the LLM provider key (never in YAML).
	APIKeyEnvVar string `yaml:"api_key_env_var"`
	APIKey       string `yaml:"-"`
}

type WindowConfig struct {
	DurationMinutes int `yaml:"duration_minutes"`
	MaxResponses    int `yaml:"max_responses"`
}

type RateLimitConfig struct {
	Short                  WindowConfig  `yaml:"short"`
	Long                   WindowConfig  `yaml:"long"`
	IgnoreThreshold        int           `yaml:"ignore_threshold"`
	EngagementTrackingDelay time.Duration `yaml:"engagement_tracking_delay"`
}

type ImagesConfig struct {
	Enabled           bool `yaml:"enabled"`
	MaxPerMessage     int  `yaml:"max_per_message"`
	CompressionTarget int  `yaml:"compression_target"` // provider byte limit; target is 73% of this
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	BackupCount int    `yaml:"backup_count"`
}

// Default returns a Config with this system's baseline defaults.
func Default() *Config {
	return &Config{
		Reactive: ReactiveConfig{
			CheckIntervalSeconds: 30,
			ContextWindow:        20,
			Cooldowns: CooldownLadder{
				PerUser:       0,
				SingleMessage: 0,
				MultiMessage:  0,
				HeavyActivity: 0,
			},
			Momentum: MomentumThresholds{
				HotUnder:  15 * time.Minute,
				WarmUnder: 60 * time.Minute,
			},
			QuietHoursStart: 0,
			QuietHoursEnd:   6,
		},
		Personality: PersonalityConfig{
			Engagement: EngagementRates{
				Cold: 0.10, Warm: 0.25, Hot: 0.40, Mention: 1.00,
			},
		},
		Agentic: AgenticConfig{
			CheckIntervalHours: 1.0,
			Followups: FollowupsConfig{
				Enabled:           true,
				MaxAgeDays:        14,
				PriorityThreshold: "low",
			},
			Proactive: ProactiveConfig{
				Enabled:             true,
				MinIdleHours:        1,
				MaxIdleHours:        8,
				MaxPerDayGlobal:     10,
				MaxPerDayPerChannel: 3,
				EngagementThreshold: 0.30,
			},
		},
		API: APIConfig{
			Model:        "claude-sonnet-4-5-20250929",
			MaxTokens:    4096,
			APIKeyEnvVar: "ANTHROPIC_API_KEY",
			WebSearch: WebSearchConfig{
				MaxDaily:      300,
				MaxPerRequest: 5,
			},
		},
		RateLimit: RateLimitConfig{
			Short:                   WindowConfig{DurationMinutes: 5, MaxResponses: 20},
			Long:                    WindowConfig{DurationMinutes: 60, MaxResponses: 200},
			IgnoreThreshold:         5,
			EngagementTrackingDelay: 30 * time.Second,
		},
		Images: ImagesConfig{
			Enabled:           true,
			MaxPerMessage:     5,
			CompressionTarget: 5 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a bot's YAML config from path, overlaying it on Default(),
// then resolves secrets (API keys, platform tokens) from the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.BotID == "" {
		return nil, fmt.Errorf("config %s: bot_id is required", path)
	}

	var secrets envSecrets
	if err := env.Parse(&secrets); err != nil {
		return nil, fmt.Errorf("config %s: parse env secrets: %w", path, err)
	}

	if v := cfg.Discord.TokenEnvVar; v != "" {
		cfg.Discord.Token = os.Getenv(v)
	}
	if cfg.Discord.Token == "" {
		cfg.Discord.Token = secrets.DiscordToken
	}
	if v := cfg.API.APIKeyEnvVar; v != "" {
		cfg.API.APIKey = os.Getenv(v)
	}
	if cfg.API.APIKey == "" {
		cfg.API.APIKey = secrets.AnthropicAPIKey
	}

	return cfg, nil
}
