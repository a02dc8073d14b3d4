package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for tutorchat.
//
// NOTE: This file may contain the bearer token. Always keep it chmod 0600;
// TUTORCHAT_TOKEN overrides the token field when set.
type Config struct {
	// BaseURL is the tutoring backend root, e.g. https://tutor.example.invalid/api.
	BaseURL string `yaml:"base_url"`
	// Token is the bearer credential sent on every call.
	Token string `yaml:"token,omitempty"`

	StudentID   int64  `yaml:"student_id"`
	AssistantID string `yaml:"assistant_id"`
	// ThreadID resumes an existing conversation. When empty, a thread is
	// created on first use.
	ThreadID string `yaml:"thread_id,omitempty"`

	// Transport is "stream" or "poll". Default: stream.
	Transport string `yaml:"transport,omitempty"`

	// ArchivePath is the local SQLite transcript archive. Empty disables it.
	ArchivePath string `yaml:"archive_path,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`

	Tuning Tuning `yaml:"tuning,omitempty"`
}

// Tuning overrides the delivery timings. Zero values keep the defaults.
type Tuning struct {
	// TickIntervalMs is the typing-effect cadence. Default 10.
	TickIntervalMs int `yaml:"tick_interval_ms,omitempty"`
	// CharsPerTick is how many characters each tick reveals. Default 3.
	CharsPerTick int `yaml:"chars_per_tick,omitempty"`
	// PollIntervalMs is the run-status polling cadence. Default 2500.
	PollIntervalMs int `yaml:"poll_interval_ms,omitempty"`
	// SettleDelayMs is the pause between the stream's done event and the
	// authoritative history fetch. Default 1000.
	SettleDelayMs int `yaml:"settle_delay_ms,omitempty"`
	// IdleTimeoutMs cuts a silent event stream. Default 120000.
	IdleTimeoutMs int `yaml:"idle_timeout_ms,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("missing base_url")
	}
	if strings.TrimSpace(c.Token) == "" && strings.TrimSpace(os.Getenv("TUTORCHAT_TOKEN")) == "" {
		return errors.New("missing token (set token or TUTORCHAT_TOKEN)")
	}
	if c.StudentID <= 0 {
		return errors.New("missing student_id")
	}
	if strings.TrimSpace(c.AssistantID) == "" {
		return errors.New("missing assistant_id")
	}
	switch strings.TrimSpace(c.Transport) {
	case "", "stream", "poll":
	default:
		return fmt.Errorf("invalid transport %q (want stream or poll)", c.Transport)
	}
	return nil
}

// ResolveToken returns the effective bearer token, preferring the
// environment over the file so the secret can stay out of the config.
func (c *Config) ResolveToken() string {
	if env := strings.TrimSpace(os.Getenv("TUTORCHAT_TOKEN")); env != "" {
		return env
	}
	return strings.TrimSpace(c.Token)
}

// DefaultConfigPath returns the default config path:
//
//	~/.tutorchat/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "tutorchat.config.yaml"
	}
	return filepath.Join(home, ".tutorchat", "config.yaml")
}

// DefaultArchivePath returns the default local archive location:
//
//	~/.tutorchat/archive.db
func DefaultArchivePath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "tutorchat.archive.db"
	}
	return filepath.Join(home, ".tutorchat", "archive.db")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
