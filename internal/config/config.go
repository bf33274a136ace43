// Package config loads server settings from defaults, an optional YAML
// file, and CBOS_-prefixed environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "CBOS"

	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

type Config struct {
	Addr    string `mapstructure:"addr"`
	DataDir string `mapstructure:"data_dir"`
	Store   string `mapstructure:"store"`

	ClaudeCommand   string   `mapstructure:"claude_command"`
	ClaudeEnv       []string `mapstructure:"claude_env"`
	ClaudeModel     string   `mapstructure:"claude_model"`
	MaxTurns        int      `mapstructure:"max_turns"`
	SkipPermissions bool     `mapstructure:"skip_permissions"`

	EventCapacity int           `mapstructure:"event_capacity"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	CaptureLines  int           `mapstructure:"capture_lines"`
	WaitingLog    string        `mapstructure:"waiting_log"`
	StaticDir     string        `mapstructure:"static_dir"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultDir is where state and the default config file live.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cbos"
	}
	return filepath.Join(home, ".cbos")
}

// DefaultPath is the config file read when no path is given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	dir := DefaultDir()
	v.SetDefault("addr", "127.0.0.1:32205")
	v.SetDefault("data_dir", dir)
	v.SetDefault("store", StoreFile)
	v.SetDefault("claude_command", "claude")
	v.SetDefault("claude_env", []string{})
	v.SetDefault("claude_model", "")
	v.SetDefault("max_turns", 0)
	v.SetDefault("skip_permissions", true)
	v.SetDefault("event_capacity", 100)
	v.SetDefault("grace_period", 5*time.Second)
	v.SetDefault("poll_interval", 2*time.Second)
	v.SetDefault("capture_lines", 100)
	v.SetDefault("waiting_log", filepath.Join(dir, "waiting.jsonl"))
	v.SetDefault("static_dir", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads the configuration. An empty path means DefaultPath, which may
// be absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.WaitingLog = expandHome(cfg.WaitingLog)
	cfg.StaticDir = expandHome(cfg.StaticDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch c.Store {
	case StoreFile, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("store must be %q or %q, got %q", StoreFile, StoreSQLite, c.Store))
	}
	if c.ClaudeCommand == "" {
		errs = append(errs, errors.New("claude_command is required"))
	}
	if c.MaxTurns < 0 {
		errs = append(errs, errors.New("max_turns must not be negative"))
	}
	if c.EventCapacity <= 0 {
		errs = append(errs, errors.New("event_capacity must be positive"))
	}
	if c.GracePeriod <= 0 {
		errs = append(errs, errors.New("grace_period must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.CaptureLines <= 0 {
		errs = append(errs, errors.New("capture_lines must be positive"))
	}
	for _, kv := range c.ClaudeEnv {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("claude_env entry %q is not KEY=VALUE", kv))
		}
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger builds the process logger described by LogLevel and LogFormat.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", s, err)
	}
	return level, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
