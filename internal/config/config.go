// Package config loads gateway configuration from YAML or JSON5 files with
// environment variable expansion and $include resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zhuxuwei88-bot/openclaw/internal/observability"
	"github.com/zhuxuwei88-bot/openclaw/pkg/models"
)

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openclaw"
	}
	return filepath.Join(home, ".openclaw")
}

// Config is the main configuration structure for the gateway.
type Config struct {
	Gateway   GatewayConfig           `yaml:"gateway"`
	Queue     QueueConfig             `yaml:"queue"`
	Auth      AuthConfig              `yaml:"auth"`
	Models    ModelsConfig            `yaml:"models"`
	Streaming StreamingConfig         `yaml:"streaming"`
	Logging   observability.LogConfig `yaml:"logging"`
}

// GatewayConfig holds run-level scheduling settings.
type GatewayConfig struct {
	// RunTimeout is the wall-clock deadline for one agent turn.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// WaitForEndTimeout bounds how long an interrupt waits for the aborted
	// run to deregister before starting fresh anyway.
	WaitForEndTimeout time.Duration `yaml:"wait_for_end_timeout"`

	// SessionDB is the path of the SQLite session directive store.
	SessionDB string `yaml:"session_db"`

	// StateDir is the agent state directory (auth profiles, session DB
	// default location).
	StateDir string `yaml:"state_dir"`

	// MetricsAddr is the listen address for the Prometheus endpoint; empty
	// disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// QueueConfig sets the default reply-queue policy plus per-channel overrides.
type QueueConfig struct {
	Mode       models.QueueMode  `yaml:"mode"`
	DebounceMs int               `yaml:"debounce_ms"`
	Cap        int               `yaml:"cap"`
	DropPolicy models.DropPolicy `yaml:"drop_policy"`

	// Channels overrides the defaults for a specific channel type.
	Channels map[string]QueueOverride `yaml:"channels"`
}

// QueueOverride is a sparse per-channel override; zero-valued fields fall
// through to the defaults.
type QueueOverride struct {
	Mode       models.QueueMode  `yaml:"mode"`
	DebounceMs *int              `yaml:"debounce_ms"`
	Cap        *int              `yaml:"cap"`
	DropPolicy models.DropPolicy `yaml:"drop_policy"`
}

// QueueSettings is the resolved policy for one channel.
type QueueSettings struct {
	Mode       models.QueueMode
	Debounce   time.Duration
	Cap        int
	DropPolicy models.DropPolicy
}

// ResolveQueue resolves the config-level queue settings for a channel.
// Session and per-message directives layer on top of this at dispatch time.
func (c *Config) ResolveQueue(channel models.ChannelType) QueueSettings {
	settings := QueueSettings{
		Mode:       c.Queue.Mode,
		Debounce:   time.Duration(c.Queue.DebounceMs) * time.Millisecond,
		Cap:        c.Queue.Cap,
		DropPolicy: c.Queue.DropPolicy,
	}

	override, ok := c.Queue.Channels[string(channel)]
	if !ok {
		return settings
	}
	if override.Mode != "" {
		settings.Mode = override.Mode
	}
	if override.DebounceMs != nil {
		settings.Debounce = time.Duration(*override.DebounceMs) * time.Millisecond
	}
	if override.Cap != nil {
		settings.Cap = *override.Cap
	}
	if override.DropPolicy != "" {
		settings.DropPolicy = override.DropPolicy
	}
	return settings
}

// AuthConfig configures the credential profile store.
type AuthConfig struct {
	// StateDir is the agent state directory holding auth-profiles.json.
	StateDir string `yaml:"state_dir"`

	// Order sets an explicit per-provider candidate order.
	Order map[string][]string `yaml:"order"`

	// Cooldowns overrides the initial cooldown window (in seconds) per
	// failure reason: auth, rate_limit, timeout, generic.
	Cooldowns map[string]int `yaml:"cooldowns"`
}

// ModelsConfig selects the primary provider/model and the fallback chain
// tried when credential rotation is exhausted.
type ModelsConfig struct {
	Provider  string     `yaml:"provider"`
	Model     string     `yaml:"model"`
	Fallbacks []ModelRef `yaml:"fallbacks"`
}

// ModelRef names one provider/model pair.
type ModelRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// StreamingConfig controls block-reply streaming and reasoning drafts.
type StreamingConfig struct {
	BlockStreaming  bool   `yaml:"block_streaming"`
	MinChars        int    `yaml:"min_chars"`
	MaxChars        int    `yaml:"max_chars"`
	BreakMode       string `yaml:"break_mode"` // "text_end" or "message_end"
	StreamReasoning bool   `yaml:"stream_reasoning"`
}

// Load reads, merges, and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Gateway.RunTimeout == 0 {
		cfg.Gateway.RunTimeout = 5 * time.Minute
	}
	if cfg.Gateway.WaitForEndTimeout == 0 {
		cfg.Gateway.WaitForEndTimeout = 15 * time.Second
	}
	if cfg.Gateway.StateDir == "" {
		cfg.Gateway.StateDir = defaultStateDir()
	}
	if cfg.Gateway.SessionDB == "" {
		cfg.Gateway.SessionDB = filepath.Join(cfg.Gateway.StateDir, "sessions.db")
	}
	if cfg.Queue.Mode == "" {
		cfg.Queue.Mode = models.QueueModeCollect
	}
	if cfg.Queue.DebounceMs == 0 {
		cfg.Queue.DebounceMs = 1500
	}
	if cfg.Queue.Cap == 0 {
		cfg.Queue.Cap = 10
	}
	if cfg.Queue.DropPolicy == "" {
		cfg.Queue.DropPolicy = models.DropOldest
	}
	if cfg.Models.Provider == "" {
		cfg.Models.Provider = "anthropic"
	}
	if cfg.Streaming.MinChars == 0 {
		cfg.Streaming.MinChars = 200
	}
	if cfg.Streaming.MaxChars == 0 {
		cfg.Streaming.MaxChars = 4000
	}
	if cfg.Streaming.BreakMode == "" {
		cfg.Streaming.BreakMode = "text_end"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if !models.ValidQueueMode(cfg.Queue.Mode) {
		return fmt.Errorf("invalid queue mode %q", cfg.Queue.Mode)
	}
	for channel, override := range cfg.Queue.Channels {
		if override.Mode != "" && !models.ValidQueueMode(override.Mode) {
			return fmt.Errorf("invalid queue mode %q for channel %q", override.Mode, channel)
		}
	}
	switch cfg.Queue.DropPolicy {
	case models.DropOldest, models.DropNewest, models.DropSummarize:
	default:
		return fmt.Errorf("invalid drop policy %q", cfg.Queue.DropPolicy)
	}
	switch cfg.Streaming.BreakMode {
	case "text_end", "message_end":
	default:
		return fmt.Errorf("invalid break mode %q", cfg.Streaming.BreakMode)
	}
	for reason := range cfg.Auth.Cooldowns {
		switch reason {
		case "auth", "rate_limit", "timeout", "generic":
		default:
			return fmt.Errorf("unknown cooldown reason %q", reason)
		}
	}
	return nil
}
