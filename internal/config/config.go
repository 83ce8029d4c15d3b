// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cors-proxy/config.toml",
	"configs/config.toml",
}

// reservedPaths are routes the metrics endpoint must not shadow.
var reservedPaths = []string{"/proxy", "/health"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	SiteDir   string `kong:"help='Static site directory (overrides config).',env='SITE_DIR'"`
	RedisAddr string `kong:"help='Redis address for the shared rate-limit store (overrides config).',env='REDIS_ADDR'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Site      SiteConfig      `toml:"site"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Security  SecurityConfig  `toml:"security"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8080)
	BodyMaxBytes int64  `toml:"body_max_bytes"`
	// TrustProxy takes the client address from X-Forwarded-For instead of
	// the socket peer. Enable only behind a proxy that sets the header.
	TrustProxy bool `toml:"trust_proxy"`
}

// SiteConfig locates the static site directory.
type SiteConfig struct {
	// Path is resolved against the working directory when relative.
	Path string `toml:"path"`
}

// UpstreamConfig holds outbound connection settings.
type UpstreamConfig struct {
	// TimeoutSeconds of 0 leaves the HTTP client without a timeout.
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// RateLimitConfig controls the fixed-window limiter on /proxy/*.
type RateLimitConfig struct {
	// Enabled is a pointer so an omitted key keeps the default (on).
	Enabled        *bool  `toml:"enabled"`
	MaxRequests    int    `toml:"max_requests"`
	WindowSeconds  int    `toml:"window_seconds"`
	RedisAddr      string `toml:"redis_addr"`
	RedisKeyPrefix string `toml:"redis_key_prefix"`
}

// SecurityConfig holds response hardening settings.
type SecurityConfig struct {
	ContentSecurityPolicy string `toml:"content_security_policy"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultContentSecurityPolicy mirrors the policy helmet applies by default.
const DefaultContentSecurityPolicy = "default-src 'self';base-uri 'self';font-src 'self' https: data:;" +
	"form-action 'self';frame-ancestors 'self';img-src 'self' data:;object-src 'none';" +
	"script-src 'self';script-src-attr 'none';style-src 'self' https: 'unsafe-inline';" +
	"upgrade-insecure-requests"

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/cors-proxy/config.toml then configs/config.toml. Finding neither is
// not an error: the defaults describe a complete server.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	if err := cfg.setDefaults(); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file or flags are given.
func Default() (*Config, error) {
	var cfg Config
	if err := cfg.setDefaults(); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.SiteDir != "" {
		c.Site.Path = cli.SiteDir
	}
	if cli.RedisAddr != "" {
		c.RateLimit.RedisAddr = cli.RedisAddr
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.RateLimit.MaxRequests < 0 {
		return fmt.Errorf("rate_limit.max_requests must be non-negative; got %d", c.RateLimit.MaxRequests)
	}
	if c.RateLimit.WindowSeconds < 0 {
		return fmt.Errorf("rate_limit.window_seconds must be non-negative; got %d", c.RateLimit.WindowSeconds)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with the site root", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() error {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Site.Path == "" {
		c.Site.Path = "site"
	}
	if !filepath.IsAbs(c.Site.Path) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve site.path: %w", err)
		}
		c.Site.Path = filepath.Join(wd, c.Site.Path)
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.RateLimit.Enabled == nil {
		enabled := true
		c.RateLimit.Enabled = &enabled
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 100
	}
	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = 15 * 60
	}
	if c.RateLimit.RedisKeyPrefix == "" {
		c.RateLimit.RedisKeyPrefix = "cors-proxy:ratelimit:"
	}
	if c.Security.ContentSecurityPolicy == "" {
		c.Security.ContentSecurityPolicy = DefaultContentSecurityPolicy
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	return nil
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Window returns the rate-limit window as a duration.
func (c *RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// IsEnabled reports whether rate limiting is on. Unset means on.
func (c *RateLimitConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Timeout returns the upstream client timeout; zero means none.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
