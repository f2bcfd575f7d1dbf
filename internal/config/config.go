package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel   string          `yaml:"log_level"`
	LogFormat  string          `yaml:"log_format"`
	Backend    string          `yaml:"backend"`     // "tinygo", "goble" or "sim"
	SimFixture string          `yaml:"sim_fixture"` // empty uses the built-in demo devices
	Scan       ScanConfig      `yaml:"scan"`
	Transport  TransportConfig `yaml:"transport"`
	Discovery  DiscoveryConfig `yaml:"discovery"`
	Session    SessionConfig   `yaml:"session"`
	Notify     NotifyConfig    `yaml:"notify"`
}

// ScanConfig holds device scan settings.
type ScanConfig struct {
	Duration    time.Duration `yaml:"duration"`
	ServiceUUID string        `yaml:"service_uuid"` // empty reports every peripheral
}

// TransportConfig holds timeout and failure isolation settings.
type TransportConfig struct {
	CallTimeout        time.Duration `yaml:"call_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ConnectAttempts    int           `yaml:"connect_attempts"`
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"`
	BreakerCooldown    time.Duration `yaml:"breaker_cooldown"`
}

// DiscoveryConfig holds service discovery settings.
type DiscoveryConfig struct {
	ReadValues bool `yaml:"read_values"` // read each characteristic while listing it
}

// SessionConfig holds write session settings.
type SessionConfig struct {
	MaxInputLength int `yaml:"max_input_length"`
}

// NotifyConfig holds notification settings.
type NotifyConfig struct {
	History int `yaml:"history"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gattscope")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultBackend returns the platform's BLE backend. tinygo cannot write
// with response on Linux, so Linux defaults to goble.
func DefaultBackend() string {
	if runtime.GOOS == "linux" {
		return "goble"
	}
	return "tinygo"
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Backend:   DefaultBackend(),
		Scan: ScanConfig{
			Duration: 5 * time.Second,
		},
		Transport: TransportConfig{
			CallTimeout:        5 * time.Second,
			ConnectTimeout:     10 * time.Second,
			ConnectAttempts:    3,
			BreakerMaxFailures: 5,
			BreakerCooldown:    30 * time.Second,
		},
		Discovery: DiscoveryConfig{
			ReadValues: true,
		},
		Session: SessionConfig{
			MaxInputLength: 150,
		},
		Notify: NotifyConfig{
			History: 50,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in sim_fixture is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.SimFixture = expandTilde(cfg.SimFixture)

	return cfg, nil
}

// LoadOrDefault loads path, or the default config file when path is empty.
// A missing default file is not an error.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg, err := Load(DefaultConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	switch c.Backend {
	case "tinygo", "goble", "sim":
	default:
		return fmt.Errorf("backend must be tinygo, goble, or sim, got %q", c.Backend)
	}

	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0")
	}

	if c.Transport.CallTimeout <= 0 {
		return fmt.Errorf("transport.call_timeout must be > 0")
	}

	if c.Transport.ConnectTimeout <= 0 {
		return fmt.Errorf("transport.connect_timeout must be > 0")
	}

	if c.Transport.ConnectAttempts < 1 {
		return fmt.Errorf("transport.connect_attempts must be >= 1")
	}

	if c.Transport.BreakerMaxFailures == 0 {
		return fmt.Errorf("transport.breaker_max_failures must be > 0")
	}

	if c.Transport.BreakerCooldown <= 0 {
		return fmt.Errorf("transport.breaker_cooldown must be > 0")
	}

	if c.Session.MaxInputLength < 1 {
		return fmt.Errorf("session.max_input_length must be >= 1")
	}

	if c.Notify.History < 1 {
		return fmt.Errorf("notify.history must be >= 1")
	}

	return nil
}

// ParseLogLevel maps a log_level value to its slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", s)
	}
}

// NewLogger builds the process logger described by c.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

const defaultHeader = `# gattscope configuration
# backend: tinygo (CoreBluetooth / WinRT), goble (Linux HCI) or sim (fixture file)
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" when a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
