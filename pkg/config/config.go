// Package config loads hub and endpoint settings from TOML files.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ZaycevNet/ws-rpc-e2e/pkg/crypto"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

// LogConfig is shared by hubs and endpoints
type LogConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Pretty  bool   `toml:"pretty"`
}

// AdminConfig configures the admin HTTP API served next to a hub
type AdminConfig struct {
	Enabled     bool     `toml:"enabled"`
	Listen      string   `toml:"listen"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"` // requests per minute per IP
}

// HubConfig is the hub.toml layout
type HubConfig struct {
	ID      string      `toml:"id"`
	Listen  string      `toml:"listen"`
	Path    string      `toml:"path"`
	KeySize int         `toml:"key_size"`
	AuditDB string      `toml:"audit_db"`
	Admin   AdminConfig `toml:"admin"`
	Log     LogConfig   `toml:"log"`
}

// EndpointConfig is the endpoint.toml layout
type EndpointConfig struct {
	ID                string        `toml:"id"`
	URL               string        `toml:"url"`
	KeySize           int           `toml:"key_size"`
	RetryInterval     time.Duration `toml:"retry_interval"`
	RequestTimeout    time.Duration `toml:"request_timeout"`
	DialTimeout       time.Duration `toml:"dial_timeout"`
	KeepaliveInterval time.Duration `toml:"keepalive_interval"` // 0 disables pings
	Log               LogConfig     `toml:"log"`
}

// DefaultHubConfig returns the hub defaults
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Listen:  ":8000",
		Path:    "/",
		KeySize: crypto.DefaultKeySize,
		Admin: AdminConfig{
			Enabled:     true,
			Listen:      "127.0.0.1:8001",
			CORSOrigins: []string{"*"},
			RateLimit:   100,
		},
		Log: LogConfig{
			Enabled: true,
			Level:   "info",
			Pretty:  true,
		},
	}
}

// DefaultEndpointConfig returns the endpoint defaults
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		URL:            "ws://127.0.0.1:8000/",
		KeySize:        crypto.DefaultKeySize,
		RetryInterval:  200 * time.Millisecond,
		RequestTimeout: 30 * time.Second,
		DialTimeout:    10 * time.Second,
		Log: LogConfig{
			Enabled: false,
			Level:   "info",
			Pretty:  true,
		},
	}
}

// LoadHub reads a hub config file over the defaults.
// An empty path returns the defaults.
func LoadHub(path string) (HubConfig, error) {
	cfg := DefaultHubConfig()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return HubConfig{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return HubConfig{}, err
	}
	return cfg, nil
}

// LoadEndpoint reads an endpoint config file over the defaults.
// An empty path returns the defaults.
func LoadEndpoint(path string) (EndpointConfig, error) {
	cfg := DefaultEndpointConfig()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return EndpointConfig{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return EndpointConfig{}, err
	}
	return cfg, nil
}

func decodeFile(path string, out any) error {
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalidConfig, path, strings.Join(keys, ", "))
	}
	return nil
}

// Validate checks a hub config
func (c HubConfig) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("%w: hub listen address is required", ErrInvalidConfig)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%w: hub path must start with /", ErrInvalidConfig)
	}
	if c.KeySize < crypto.MinKeySize {
		return fmt.Errorf("%w: key_size must be at least %d", ErrInvalidConfig, crypto.MinKeySize)
	}
	if c.Admin.Enabled {
		if strings.TrimSpace(c.Admin.Listen) == "" {
			return fmt.Errorf("%w: admin listen address is required", ErrInvalidConfig)
		}
		if c.Admin.RateLimit < 0 {
			return fmt.Errorf("%w: admin rate_limit cannot be negative", ErrInvalidConfig)
		}
	}
	return nil
}

// Validate checks an endpoint config
func (c EndpointConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil || c.URL == "" {
		return fmt.Errorf("%w: endpoint url %q", ErrInvalidConfig, c.URL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: endpoint url scheme must be ws or wss", ErrInvalidConfig)
	}
	if c.KeySize < crypto.MinKeySize {
		return fmt.Errorf("%w: key_size must be at least %d", ErrInvalidConfig, crypto.MinKeySize)
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("%w: retry_interval must be positive", ErrInvalidConfig)
	}
	if c.RequestTimeout < 0 || c.DialTimeout < 0 || c.KeepaliveInterval < 0 {
		return fmt.Errorf("%w: timeouts cannot be negative", ErrInvalidConfig)
	}
	return nil
}
