// Package config loads and normalizes the manager configuration.
// The configuration file lives inside the synchronized snapshot repository,
// so a pass must pull before loading it; Load therefore never caches.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level manager configuration document.
type Config struct {
	AutoInstall AutoInstallConfig `yaml:"auto_install"`
	AutoUpdate  AutoUpdateConfig  `yaml:"auto_update"`
	GitSync     GitSyncConfig     `yaml:"git_sync"`
	RulesSync   SyncConfig        `yaml:"rules_sync"`
	SkillsSync  SyncConfig        `yaml:"skills_sync"`
	Retry       RetryConfig       `yaml:"retry"`
	Cooldown    Duration          `yaml:"cooldown"`
	Tool        ToolConfig        `yaml:"tool"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// AutoInstallConfig controls installation of units missing locally.
type AutoInstallConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AutoUpdateConfig controls periodic updates of installed units.
// IntervalHours == 0 means update on every pass.
type AutoUpdateConfig struct {
	Enabled       bool `yaml:"enabled"`
	IntervalHours int  `yaml:"interval_hours"`
	Notify        bool `yaml:"notify"`
}

// GitSyncConfig controls snapshot publication through the git bridge.
type GitSyncConfig struct {
	Enabled  bool `yaml:"enabled"`
	AutoPush bool `yaml:"auto_push"`
}

// SyncConfig gates propagation of one shared-file set from the snapshot
// repository into the tool home. Disabled by default.
type SyncConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RetryConfig bounds the install retry state machine.
type RetryConfig struct {
	Interval   Duration `yaml:"interval"`
	MaxRetries int      `yaml:"max_retries"`
}

// ToolConfig describes the external plugin-manager command.
type ToolConfig struct {
	// Command is the tool binary name resolved via PATH.
	Command string `yaml:"command"`
	// Home is the tool's home directory; "~" expansion is handled by paths.Resolve.
	Home string `yaml:"home"`
	// SessionEnv is the marker variable the tool sets inside interactive
	// sessions. Its presence suppresses operations that would nest a session.
	SessionEnv string `yaml:"session_env"`
}

// LoggingConfig selects handler level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration wraps time.Duration with YAML string parsing ("10m", "300s").
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or an integer second count.
// The tag check must come first: decoding an int scalar into a string
// succeeds, so ParseDuration would reject bare second counts.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration value on line %d", value.Line)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value on line %d", value.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		AutoInstall: AutoInstallConfig{Enabled: true},
		AutoUpdate:  AutoUpdateConfig{Enabled: true, IntervalHours: 24, Notify: true},
		GitSync:     GitSyncConfig{Enabled: true, AutoPush: true},
		Retry:       RetryConfig{Interval: Duration(10 * time.Minute), MaxRetries: 5},
		Cooldown:    Duration(5 * time.Minute),
		Tool:        ToolConfig{Command: "pluginctl", Home: "~/.pluginctl", SessionEnv: "PLUGINCTL_SESSION"},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the configuration file, applying defaults for absent fields.
// A missing file is not an error: the defaults are returned unchanged.
// A malformed file is an error; silently proceeding with defaults would
// mask fleet-wide configuration mistakes.
func Load(path string) (*Config, error) {
	LoadEnvFiles()

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults backfills zero values that have no meaningful zero semantics.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Retry.Interval <= 0 {
		cfg.Retry.Interval = def.Retry.Interval
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = def.Retry.MaxRetries
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Tool.Command == "" {
		cfg.Tool.Command = def.Tool.Command
	}
	if cfg.Tool.Home == "" {
		cfg.Tool.Home = def.Tool.Home
	}
	if cfg.Tool.SessionEnv == "" {
		cfg.Tool.SessionEnv = def.Tool.SessionEnv
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.AutoUpdate.IntervalHours < 0 {
		cfg.AutoUpdate.IntervalHours = def.AutoUpdate.IntervalHours
	}
}

// Init writes a default configuration file, refusing to overwrite unless forced.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
