// ABOUTME: Configuration loading and parsing for hush-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// MinJWTSecretLength is the minimum accepted jwt_secret length in bytes.
const MinJWTSecretLength = 32

// Realtime defaults.
const (
	DefaultTypingTimeout = 5 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultSendBuffer    = 64
	DefaultDedupeTTL     = 10 * time.Minute
	DefaultDedupeSize    = 10000
	DefaultEditWindow    = 15 * time.Minute
)

// Config represents the complete hush-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"` // websocket and REST API
	GRPCAddr string `yaml:"grpc_addr"` // gRPC health service, optional
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RealtimeConfig holds timing and sizing of the realtime core
type RealtimeConfig struct {
	TypingTimeout time.Duration `yaml:"-"`
	WriteTimeout  time.Duration `yaml:"-"`
	DedupeTTL     time.Duration `yaml:"-"`
	EditWindow    time.Duration `yaml:"-"`

	SendBuffer int `yaml:"send_buffer"`
	DedupeSize int `yaml:"dedupe_size"`

	// Raw string values for YAML unmarshaling
	TypingTimeoutRaw string `yaml:"typing_timeout"`
	WriteTimeoutRaw  string `yaml:"write_timeout"`
	DedupeTTLRaw     string `yaml:"dedupe_ttl"`
	EditWindowRaw    string `yaml:"edit_window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultPath returns the config path from HUSH_CONFIG, falling back to
// $XDG_CONFIG_HOME/hush/gateway.yaml or ~/.config/hush/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("HUSH_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "hush", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".config", "hush", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration content, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if p := os.Getenv("HUSH_DB_PATH"); p != "" {
		cfg.Database.Path = p
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	r := &c.Realtime
	if r.TypingTimeout == 0 {
		r.TypingTimeout = DefaultTypingTimeout
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = DefaultWriteTimeout
	}
	if r.DedupeTTL == 0 {
		r.DedupeTTL = DefaultDedupeTTL
	}
	if r.EditWindow == 0 {
		r.EditWindow = DefaultEditWindow
	}
	if r.SendBuffer == 0 {
		r.SendBuffer = DefaultSendBuffer
	}
	if r.DedupeSize == 0 {
		r.DedupeSize = DefaultDedupeSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	r := c.Realtime
	if r.TypingTimeout < 0 || r.WriteTimeout < 0 || r.DedupeTTL < 0 || r.EditWindow < 0 {
		return fmt.Errorf("realtime durations must be positive")
	}
	if r.SendBuffer < 1 {
		return fmt.Errorf("realtime.send_buffer must be at least 1")
	}
	if r.DedupeSize < 1 {
		return fmt.Errorf("realtime.dedupe_size must be at least 1")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"typing_timeout", cfg.Realtime.TypingTimeoutRaw, &cfg.Realtime.TypingTimeout},
		{"write_timeout", cfg.Realtime.WriteTimeoutRaw, &cfg.Realtime.WriteTimeout},
		{"dedupe_ttl", cfg.Realtime.DedupeTTLRaw, &cfg.Realtime.DedupeTTL},
		{"edit_window", cfg.Realtime.EditWindowRaw, &cfg.Realtime.EditWindow},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Template renders a starter configuration file.
func Template(httpAddr, dbPath, jwtSecret string) ([]byte, error) {
	cfg := map[string]any{
		"server":   map[string]any{"http_addr": httpAddr, "grpc_addr": ""},
		"database": map[string]any{"path": dbPath},
		"auth":     map[string]any{"jwt_secret": jwtSecret},
		"realtime": map[string]any{
			"typing_timeout": DefaultTypingTimeout.String(),
			"write_timeout":  DefaultWriteTimeout.String(),
			"send_buffer":    DefaultSendBuffer,
			"dedupe_ttl":     DefaultDedupeTTL.String(),
			"dedupe_size":    DefaultDedupeSize,
			"edit_window":    DefaultEditWindow.String(),
		},
		"logging": map[string]any{"level": "info", "format": "text"},
		"metrics": map[string]any{"enabled": true, "path": "/metrics"},
	}
	return yaml.Marshal(cfg)
}
