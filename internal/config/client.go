// ABOUTME: Configuration loading for the hush client
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Client reconnection and queue defaults.
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 10
	DefaultQueueSize   = 100
	DefaultQueueMaxAge = 5 * time.Minute
	DefaultMaxRetries  = 3
)

// ClientConfig is the hush client configuration.
type ClientConfig struct {
	Gateway   ClientGatewayConfig `toml:"gateway"`
	Keystore  KeystoreConfig      `toml:"keystore"`
	Reconnect ReconnectConfig     `toml:"reconnect"`
	Queue     QueueConfig         `toml:"queue"`
	Logging   LoggingConfig       `toml:"logging"`
}

// ClientGatewayConfig locates the gateway.
type ClientGatewayConfig struct {
	URL    string `toml:"url"`     // websocket endpoint, ws:// or wss://
	APIURL string `toml:"api_url"` // REST base, http:// or https://
	Token  string `toml:"token"`
}

// KeystoreConfig locates the local identity keystore.
type KeystoreConfig struct {
	Path string `toml:"path"`
}

// ReconnectConfig holds reconnect backoff settings.
type ReconnectConfig struct {
	BaseDelay   time.Duration `toml:"-"`
	MaxDelay    time.Duration `toml:"-"`
	MaxAttempts int           `toml:"max_attempts"`

	BaseDelayRaw string `toml:"base_delay"`
	MaxDelayRaw  string `toml:"max_delay"`
}

// QueueConfig bounds the offline outbound queue.
type QueueConfig struct {
	MaxSize    int           `toml:"max_size"`
	MaxAge     time.Duration `toml:"-"`
	MaxRetries int           `toml:"max_retries"`

	MaxAgeRaw string `toml:"max_age"`
}

// DefaultClientPath returns the client config path from HUSH_CLIENT_CONFIG,
// falling back to the XDG config directory.
func DefaultClientPath() string {
	if p := os.Getenv("HUSH_CLIENT_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "hush", "client.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "client.toml"
	}
	return filepath.Join(home, ".config", "hush", "client.toml")
}

// LoadClient reads client config from the given path, expanding environment variables.
func LoadClient(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseClient(string(data))
}

// ParseClient parses TOML client configuration, applies defaults and validates it.
func ParseClient(data string) (*ClientConfig, error) {
	var cfg ClientConfig
	if _, err := toml.Decode(expandEnvVars(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect.base_delay", cfg.Reconnect.BaseDelayRaw, &cfg.Reconnect.BaseDelay},
		{"reconnect.max_delay", cfg.Reconnect.MaxDelayRaw, &cfg.Reconnect.MaxDelay},
		{"queue.max_age", cfg.Queue.MaxAgeRaw, &cfg.Queue.MaxAge},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *ClientConfig) applyDefaults() {
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Queue.MaxSize == 0 {
		c.Queue.MaxSize = DefaultQueueSize
	}
	if c.Queue.MaxAge == 0 {
		c.Queue.MaxAge = DefaultQueueMaxAge
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = DefaultMaxRetries
	}
	if c.Keystore.Path == "" {
		c.Keystore.Path = filepath.Join(filepath.Dir(DefaultClientPath()), "keystore.db")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that required config fields are present and valid.
func (c *ClientConfig) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway.url must use ws or wss scheme")
	}
	if c.Gateway.APIURL != "" {
		a, err := url.Parse(c.Gateway.APIURL)
		if err != nil {
			return fmt.Errorf("gateway.api_url is not a valid URL: %w", err)
		}
		if a.Scheme != "http" && a.Scheme != "https" {
			return fmt.Errorf("gateway.api_url must use http or https scheme")
		}
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must not be less than reconnect.base_delay")
	}
	if c.Reconnect.MaxAttempts < 0 || c.Queue.MaxSize < 0 || c.Queue.MaxRetries < 0 {
		return fmt.Errorf("reconnect and queue limits must not be negative")
	}
	return nil
}

// APIBase returns the REST base URL, derived from the websocket URL when
// api_url is not set.
func (c *ClientConfig) APIBase() string {
	if c.Gateway.APIURL != "" {
		return c.Gateway.APIURL
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return ""
	}
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}
