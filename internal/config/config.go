// Package config handles TOML configuration loading and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/solid-oidc-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config                      string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	ProxyURI                    string `kong:"name='proxyUri',short='u',help='Public URI of this proxy (overrides config).',env='PROXY_URI'"`
	UpstreamURI                 string `kong:"name='upstreamUri',short='U',help='URI of the upstream authorization server (overrides config).',env='UPSTREAM_URI'"`
	OpenIDConfigurationFilePath string `kong:"name='openidConfigurationFilePath',short='o',help='Path to the OpenID configuration document served by the proxy.',env='OPENID_CONFIGURATION_FILE'"`
	JWKSFilePath                string `kong:"name='jwksFilePath',short='j',help='Path to the JWKS holding the proxy signing key.',env='JWKS_FILE'"`
	Host                        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port                        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel                    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Keys     KeysConfig     `toml:"keys"`
	Client   ClientConfig   `toml:"client"`
	WebID    WebIDConfig    `toml:"webid"`
	DPoP     DPoPConfig     `toml:"dpop"`
	Store    StoreConfig    `toml:"store"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3003); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig describes the public face of the proxy.
type ProxyConfig struct {
	URI   string     `toml:"uri"`
	Paths ProxyPaths `toml:"paths"`
}

// ProxyPaths are the routes the proxy serves.
type ProxyPaths struct {
	Auth                string `toml:"auth"`
	Token               string `toml:"token"`
	Registration        string `toml:"registration"`
	Passwordless        string `toml:"passwordless"`
	Redirect            string `toml:"redirect"`
	JWKS                string `toml:"jwks"`
	OpenIDConfiguration string `toml:"openid_configuration"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	URI                   string `toml:"uri"`
	AuthPath              string `toml:"auth_path"`
	TokenPath             string `toml:"token_path"`
	RegistrationPath      string `toml:"registration_path"`
	PasswordlessPath      string `toml:"passwordless_path"`
	ClientCredentialsPath string `toml:"client_credentials_path"`
	TimeoutSeconds        int    `toml:"timeout_seconds"`
	IdleConnections       int    `toml:"idle_connections"`
	// VerifyTokens checks upstream token signatures against its published JWKS.
	VerifyTokens bool `toml:"verify_tokens"`
}

// KeysConfig locates the static key and discovery files.
type KeysConfig struct {
	JWKSFile                string `toml:"jwks_file"`
	OpenIDConfigurationFile string `toml:"openid_configuration_file"`
}

// ClientConfig is the client registered upstream on behalf of Solid clients
// using client identifier documents.
type ClientConfig struct {
	ID     string `toml:"id"`
	Secret string `toml:"secret"`
}

// WebIDConfig controls WebID minting. An empty pattern disables it.
type WebIDConfig struct {
	Pattern string `toml:"pattern"`
}

// DPoPConfig holds DPoP proof validation settings.
type DPoPConfig struct {
	MaxAgeSeconds int `toml:"max_age_seconds"`
	// ReplayCheck is memory, redis or off.
	ReplayCheck string `toml:"replay_check"`
}

// StoreConfig selects the correlation store backend.
type StoreConfig struct {
	Backend    string      `toml:"backend"`
	TTLSeconds int         `toml:"ttl_seconds"`
	Redis      RedisConfig `toml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
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

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/solid-oidc-proxy/config.toml then configs/config.toml; without any
// file, configuration comes from the CLI alone.
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
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.ProxyURI != "" {
		c.Proxy.URI = cli.ProxyURI
	}
	if cli.UpstreamURI != "" {
		c.Upstream.URI = cli.UpstreamURI
	}
	if cli.OpenIDConfigurationFilePath != "" {
		c.Keys.OpenIDConfigurationFile = cli.OpenIDConfigurationFilePath
	}
	if cli.JWKSFilePath != "" {
		c.Keys.JWKSFile = cli.JWKSFilePath
	}
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if err := validateBaseURI("proxy.uri", c.Proxy.URI); err != nil {
		return err
	}
	if err := validateBaseURI("upstream.uri", c.Upstream.URI); err != nil {
		return err
	}

	if err := validateJSONFile("keys.jwks_file", c.Keys.JWKSFile); err != nil {
		return err
	}
	if err := validateJSONFile("keys.openid_configuration_file", c.Keys.OpenIDConfigurationFile); err != nil {
		return err
	}

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
	if c.DPoP.MaxAgeSeconds < 0 {
		return fmt.Errorf("dpop.max_age_seconds must be non-negative; got %d", c.DPoP.MaxAgeSeconds)
	}
	if c.Store.TTLSeconds < 0 {
		return fmt.Errorf("store.ttl_seconds must be non-negative; got %d", c.Store.TTLSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Paths.
	for name, p := range c.routes() {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'; got %q", name, p)
		}
	}

	if c.WebID.Pattern != "" && !strings.Contains(c.WebID.Pattern, ":sub") {
		return fmt.Errorf("webid.pattern must contain the :sub placeholder; got %q", c.WebID.Pattern)
	}

	// Backends.
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required when store.backend is redis")
		}
	default:
		return fmt.Errorf("store.backend must be one of: memory, redis; got %q", c.Store.Backend)
	}
	switch c.DPoP.ReplayCheck {
	case "memory", "off":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required when dpop.replay_check is redis")
		}
	default:
		return fmt.Errorf("dpop.replay_check must be one of: memory, redis, off; got %q", c.DPoP.ReplayCheck)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		reserved := []string{"/healthz", "/proxy/status"}
		for _, r := range c.routes() {
			reserved = append(reserved, r)
		}
		for _, r := range reserved {
			if p == r || strings.HasPrefix(p, r+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, r)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3003
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}

	setDefault(&c.Proxy.Paths.Auth, "/auth")
	setDefault(&c.Proxy.Paths.Token, "/token")
	setDefault(&c.Proxy.Paths.Registration, "/reg")
	setDefault(&c.Proxy.Paths.Passwordless, "/passwordless/start")
	setDefault(&c.Proxy.Paths.Redirect, "/redirect")
	setDefault(&c.Proxy.Paths.JWKS, "/jwks")
	setDefault(&c.Proxy.Paths.OpenIDConfiguration, "/.well-known/openid-configuration")

	setDefault(&c.Upstream.AuthPath, "/authorize")
	setDefault(&c.Upstream.TokenPath, "/oauth/token")
	setDefault(&c.Upstream.RegistrationPath, "/oidc/register")
	setDefault(&c.Upstream.PasswordlessPath, "/passwordless/start")
	setDefault(&c.Upstream.ClientCredentialsPath, c.Upstream.TokenPath)
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}

	if c.DPoP.MaxAgeSeconds == 0 {
		c.DPoP.MaxAgeSeconds = 120
	}
	setDefault(&c.DPoP.ReplayCheck, "memory")

	setDefault(&c.Store.Backend, "memory")
	if c.Store.TTLSeconds == 0 {
		c.Store.TTLSeconds = 600
	}
	setDefault(&c.Store.Redis.Prefix, "solid-oidc-proxy:")

	setDefault(&c.Log.Level, "info")
	setDefault(&c.Log.Format, "json")
	setDefault(&c.Metrics.Path, "/metrics")
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// routes returns the proxy's configurable routes keyed by config name.
func (c *Config) routes() map[string]string {
	return map[string]string{
		"proxy.paths.auth":                 c.Proxy.Paths.Auth,
		"proxy.paths.token":                c.Proxy.Paths.Token,
		"proxy.paths.registration":         c.Proxy.Paths.Registration,
		"proxy.paths.passwordless":         c.Proxy.Paths.Passwordless,
		"proxy.paths.redirect":             c.Proxy.Paths.Redirect,
		"proxy.paths.jwks":                 c.Proxy.Paths.JWKS,
		"proxy.paths.openid_configuration": c.Proxy.Paths.OpenIDConfiguration,
	}
}

func validateBaseURI(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL; got %q", name, raw)
	}
	return nil
}

func validateJSONFile(name, path string) error {
	if path == "" {
		return fmt.Errorf("%s is required", name)
	}
	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("%s: %s is not valid JSON", name, path)
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

// ProxyURL returns the absolute proxy URL for path.
func (c *Config) ProxyURL(path string) string {
	return joinURL(c.Proxy.URI, path)
}

// UpstreamURL returns the absolute upstream URL for path.
func (c *Config) UpstreamURL(path string) string {
	return joinURL(c.Upstream.URI, path)
}

// Issuer returns the issuer the proxy signs tokens as.
func (c *Config) Issuer() string {
	return strings.TrimRight(c.Proxy.URI, "/")
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
