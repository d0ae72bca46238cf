package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/fluvalctl/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	Devices   []DeviceConfig  `yaml:"devices"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Server    ServerConfig    `yaml:"server"`
	LogLevel  string          `yaml:"log_level"`
}

// DeviceConfig names a fixture the daemon should manage.
type DeviceConfig struct {
	Name string `yaml:"name"`
	MAC  string `yaml:"mac"` // CoreBluetooth UUID on macOS
}

// KeepaliveConfig holds link timing.
type KeepaliveConfig struct {
	Interval       time.Duration `yaml:"interval"`
	WriteDeadline  time.Duration `yaml:"write_deadline"`
	ActiveWindow   time.Duration `yaml:"active_window"` // 0 keeps the link up forever
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IOTimeout      time.Duration `yaml:"io_timeout"`
}

// ReconnectConfig holds the delay policy after a failed session.
type ReconnectConfig struct {
	Backoff string        `yaml:"backoff"` // "fixed" or "exponential"
	Delay   time.Duration `yaml:"delay"`
	Max     time.Duration `yaml:"max"`
}

// ServerConfig holds the HTTP API settings for `fluvalctl serve`.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fluvalctl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	opts := ble.DefaultClientOptions()
	return &Config{
		Devices: []DeviceConfig{},
		Keepalive: KeepaliveConfig{
			Interval:       opts.KeepaliveInterval,
			WriteDeadline:  opts.WriteDeadline,
			ActiveWindow:   opts.ActiveWindow,
			ConnectTimeout: opts.ConnectTimeout,
			IOTimeout:      opts.IOTimeout,
		},
		Reconnect: ReconnectConfig{
			Backoff: string(opts.Backoff),
			Delay:   opts.ReconnectDelay,
			Max:     opts.ReconnectMax,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8484",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	for i := range cfg.Devices {
		cfg.Devices[i].MAC = strings.ToUpper(strings.TrimSpace(cfg.Devices[i].MAC))
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("[CONFIG] no config file, using defaults", "path", path)
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.MAC == "" {
			return fmt.Errorf("devices[%d].mac must not be empty", i)
		}
		key := strings.ToUpper(d.MAC)
		if seen[key] {
			return fmt.Errorf("devices[%d].mac %q is listed twice", i, d.MAC)
		}
		seen[key] = true
	}

	if c.Keepalive.Interval <= 0 {
		return fmt.Errorf("keepalive.interval must be > 0")
	}
	if c.Keepalive.WriteDeadline <= 0 {
		return fmt.Errorf("keepalive.write_deadline must be > 0")
	}
	if c.Keepalive.ActiveWindow < 0 {
		return fmt.Errorf("keepalive.active_window must be >= 0")
	}
	if c.Keepalive.ConnectTimeout <= 0 {
		return fmt.Errorf("keepalive.connect_timeout must be > 0")
	}
	if c.Keepalive.IOTimeout <= 0 {
		return fmt.Errorf("keepalive.io_timeout must be > 0")
	}

	switch ble.Backoff(c.Reconnect.Backoff) {
	case ble.BackoffFixed, ble.BackoffExponential:
	default:
		return fmt.Errorf("reconnect.backoff must be \"fixed\" or \"exponential\", got %q", c.Reconnect.Backoff)
	}
	if c.Reconnect.Delay <= 0 {
		return fmt.Errorf("reconnect.delay must be > 0")
	}
	if c.Reconnect.Max < c.Reconnect.Delay {
		return fmt.Errorf("reconnect.max must be >= reconnect.delay")
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ClientOptions converts the link settings for ble.NewClient.
func (c *Config) ClientOptions() ble.ClientOptions {
	return ble.ClientOptions{
		KeepaliveInterval: c.Keepalive.Interval,
		WriteDeadline:     c.Keepalive.WriteDeadline,
		ActiveWindow:      c.Keepalive.ActiveWindow,
		ConnectTimeout:    c.Keepalive.ConnectTimeout,
		IOTimeout:         c.Keepalive.IOTimeout,
		ReconnectDelay:    c.Reconnect.Delay,
		ReconnectMax:      c.Reconnect.Max,
		Backoff:           ble.Backoff(c.Reconnect.Backoff),
	}
}

// FindDevice returns the configured entry for mac.
func (c *Config) FindDevice(mac string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if strings.EqualFold(d.MAC, mac) {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// ParseLogLevel maps a config log level to slog. Unknown values are info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# fluvalctl configuration
#
# devices: fixtures managed by "fluvalctl serve". On macOS the mac field is
# the CoreBluetooth UUID printed by "fluvalctl scan".
#
#   devices:
#     - name: planted tank
#       mac: AA:BB:CC:DD:EE:FF
#
# Durations use Go syntax (10s, 1m30s). keepalive.active_window 0 keeps the
# link up forever; otherwise the link is dropped that long after the last
# write and re-established on the next one.

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" if a config file already exists.
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
