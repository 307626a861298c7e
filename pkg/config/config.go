// Package config loads server configuration through viper: flags, the
// MCPGATE_ environment prefix, and an optional YAML file, in that order of
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agencyhub/mcpgate/pkg/protocol"
)

// Config is the full server configuration.
type Config struct {
	// BaseURL is the canonical origin used in resource URLs and discovery.
	BaseURL string `mapstructure:"base_url"`

	// ListenAddr is the HTTP bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// SupportedVersions is ordered newest first.
	SupportedVersions []string `mapstructure:"supported_versions"`

	ServerInfo ServerInfo `mapstructure:"server_info"`

	// SessionLifetime is the session TTL in seconds.
	SessionLifetime int `mapstructure:"session_lifetime"`

	Auth           AuthConfig   `mapstructure:"auth"`
	SSE            StreamConfig `mapstructure:"sse"`
	StreamableHTTP StreamConfig `mapstructure:"streamable_http"`
	Database       Database     `mapstructure:"database"`

	// Metrics exposes /metrics when true.
	Metrics bool `mapstructure:"metrics"`

	Debug bool `mapstructure:"debug"`
}

// ServerInfo is echoed in initialize results.
type ServerInfo struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// AuthConfig controls the resource-server middleware and the embedded
// authorization server.
type AuthConfig struct {
	Authless               bool     `mapstructure:"authless"`
	ContextTypes           []string `mapstructure:"context_types"`
	ValidateScope          bool     `mapstructure:"validate_scope"`
	RequiredScopes         []string `mapstructure:"required_scopes"`
	RequireResourceBinding bool     `mapstructure:"require_resource_binding"`
	Scopes                 []string `mapstructure:"scopes"`

	// LoginSessionSecret signs the OAuth login cookie.
	LoginSessionSecret string `mapstructure:"login_session_secret"`
}

// StreamConfig tunes one streaming transport.
type StreamConfig struct {
	KeepaliveInterval   int  `mapstructure:"keepalive_interval"`
	MaxConnectionTime   int  `mapstructure:"max_connection_time"`
	SwitchIntervalAfter int  `mapstructure:"switch_interval_after"`
	TestMode            bool `mapstructure:"test_mode"`
}

// Database selects and parameterizes the storage driver.
type Database struct {
	// Driver is "memory" or "redis".
	Driver string `mapstructure:"driver"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisUsername string `mapstructure:"redis_username"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	KeyPrefix     string `mapstructure:"key_prefix"`
}

// SessionTTL returns the session lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionLifetime) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("supported_versions", protocol.DefaultSupportedVersions)
	v.SetDefault("server_info.name", "mcpgate")
	v.SetDefault("server_info.version", "dev")
	v.SetDefault("session_lifetime", 3600)
	v.SetDefault("auth.authless", false)
	v.SetDefault("auth.context_types", []string{"agency", "user"})
	v.SetDefault("auth.scopes", []string{"mcp"})
	v.SetDefault("sse.keepalive_interval", 10)
	v.SetDefault("sse.max_connection_time", 300)
	v.SetDefault("sse.switch_interval_after", 60)
	v.SetDefault("streamable_http.keepalive_interval", 10)
	v.SetDefault("streamable_http.max_connection_time", 300)
	v.SetDefault("streamable_http.switch_interval_after", 60)
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.key_prefix", "mcpgate:")
	v.SetDefault("metrics", true)
}

// Load reads configuration from the optional file path, the environment,
// and defaults.
func Load(path string) (*Config, error) {
	v := viper.GetViper()
	return load(v, path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("MCPGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Resource binding defaults on whenever 2025-06-18 is served; an
	// explicit setting always wins.
	if !v.IsSet("auth.require_resource_binding") {
		cfg.Auth.RequireResourceBinding = containsVersion(cfg.SupportedVersions, protocol.Version20250618)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func containsVersion(versions []string, want string) bool {
	for _, v := range versions {
		if v == want {
			return true
		}
	}
	return false
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if strings.HasSuffix(c.BaseURL, "/") {
		return fmt.Errorf("base_url must not end with a slash")
	}
	for _, v := range c.SupportedVersions {
		if !protocol.IsKnownVersion(v) {
			return fmt.Errorf("unknown protocol version %q", v)
		}
	}
	switch c.Database.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("database.driver must be memory or redis, got %q", c.Database.Driver)
	}
	if !c.Auth.Authless && c.Auth.LoginSessionSecret == "" {
		return fmt.Errorf("auth.login_session_secret is required unless auth.authless is set")
	}
	return nil
}
