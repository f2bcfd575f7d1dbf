package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Backend != DefaultBackend() {
		t.Errorf("Backend = %q, want %q", cfg.Backend, DefaultBackend())
	}
	if cfg.Scan.Duration != 5*time.Second {
		t.Errorf("Scan.Duration = %v, want 5s", cfg.Scan.Duration)
	}
	if cfg.Transport.CallTimeout != 5*time.Second {
		t.Errorf("Transport.CallTimeout = %v, want 5s", cfg.Transport.CallTimeout)
	}
	if cfg.Transport.BreakerMaxFailures != 5 {
		t.Errorf("Transport.BreakerMaxFailures = %d, want 5", cfg.Transport.BreakerMaxFailures)
	}
	if !cfg.Discovery.ReadValues {
		t.Error("Discovery.ReadValues should default to true")
	}
	if cfg.Session.MaxInputLength != 150 {
		t.Errorf("Session.MaxInputLength = %d, want 150", cfg.Session.MaxInputLength)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
log_format: json
backend: sim
sim_fixture: /tmp/fixture.yaml
scan:
  duration: 2s
  service_uuid: "180d"
transport:
  call_timeout: 750ms
  breaker_max_failures: 2
discovery:
  read_values: false
session:
  max_input_length: 20
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Backend != "sim" {
		t.Errorf("Backend = %q, want %q", cfg.Backend, "sim")
	}
	if cfg.SimFixture != "/tmp/fixture.yaml" {
		t.Errorf("SimFixture = %q, want %q", cfg.SimFixture, "/tmp/fixture.yaml")
	}
	if cfg.Scan.Duration != 2*time.Second || cfg.Scan.ServiceUUID != "180d" {
		t.Errorf("Scan = %+v, want 2s/180d", cfg.Scan)
	}
	if cfg.Transport.CallTimeout != 750*time.Millisecond {
		t.Errorf("Transport.CallTimeout = %v, want 750ms", cfg.Transport.CallTimeout)
	}
	if cfg.Transport.BreakerMaxFailures != 2 {
		t.Errorf("Transport.BreakerMaxFailures = %d, want 2", cfg.Transport.BreakerMaxFailures)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Transport.BreakerCooldown != 30*time.Second {
		t.Errorf("Transport.BreakerCooldown = %v, want 30s", cfg.Transport.BreakerCooldown)
	}
	if cfg.Discovery.ReadValues {
		t.Error("Discovery.ReadValues = true, want false")
	}
	if cfg.Session.MaxInputLength != 20 {
		t.Errorf("Session.MaxInputLength = %d, want 20", cfg.Session.MaxInputLength)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("log = %q/%q, want debug/json", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
sim_fixture: ~/gattscope/fixture.yaml
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	expected := filepath.Join(home, "gattscope/fixture.yaml")
	if cfg.SimFixture != expected {
		t.Errorf("SimFixture = %q, want %q", cfg.SimFixture, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Backend != DefaultBackend() {
		t.Errorf("Backend = %q, want default", cfg.Backend)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: true,
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Backend = "bluez" },
			wantErr: true,
		},
		{
			name:    "zero scan duration",
			modify:  func(c *Config) { c.Scan.Duration = 0 },
			wantErr: true,
		},
		{
			name:    "zero call timeout",
			modify:  func(c *Config) { c.Transport.CallTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero connect attempts",
			modify:  func(c *Config) { c.Transport.ConnectAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "zero breaker threshold",
			modify:  func(c *Config) { c.Transport.BreakerMaxFailures = 0 },
			wantErr: true,
		},
		{
			name:    "zero input length",
			modify:  func(c *Config) { c.Session.MaxInputLength = 0 },
			wantErr: true,
		},
		{
			name:    "zero history",
			modify:  func(c *Config) { c.Notify.History = 0 },
			wantErr: true,
		},
		{
			name:    "sim backend without fixture",
			modify:  func(c *Config) { c.Backend = "sim" },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLogLevel("loud"); err == nil {
		t.Error("ParseLogLevel(loud) should fail")
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "device", "D1")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"device":"D1"`) {
		t.Errorf("unexpected JSON output: %s", out)
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "gattscope", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# gattscope") {
		t.Error("written config should start with header comment")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if cfg.Transport.BreakerCooldown != 30*time.Second {
		t.Errorf("written config Transport.BreakerCooldown = %v, want 30s", cfg.Transport.BreakerCooldown)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "gattscope")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("backend: sim\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestDefaultBackendByPlatform(t *testing.T) {
	want := "tinygo"
	if runtime.GOOS == "linux" {
		want = "goble"
	}
	if got := DefaultBackend(); got != want {
		t.Errorf("DefaultBackend() on %s = %q, want %q", runtime.GOOS, got, want)
	}
}
