// Package config loads and validates the accessgate configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the AG_ prefix (e.g., AG_DATABASE_HOST
// overrides database.host in the YAML).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server         ServerConfig       `mapstructure:"server"`
	Database       DatabaseConfig     `mapstructure:"database"`
	Redis          RedisConfig        `mapstructure:"redis"`
	RateLimiting   RateLimitingConfig `mapstructure:"rate_limiting"`
	Verification   VerificationConfig `mapstructure:"verification"`
	Sessions       SessionsConfig     `mapstructure:"sessions"`
	Identity       IdentityConfig     `mapstructure:"identity"`
	Mail           MailConfig         `mapstructure:"mail"`
	Security       SecurityConfig     `mapstructure:"security"`
	Logging        LoggingConfig      `mapstructure:"logging"`
	Telemetry      TelemetryConfig    `mapstructure:"telemetry"`
	Audit          AuditConfig        `mapstructure:"audit"`
	StorageTimeout time.Duration      `mapstructure:"storage_timeout"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// RedisConfig holds the connection used by the shared rate-limit store
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RuleConfig is a fixed-window limit: at most Limit checks per Window.
type RuleConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// RateLimitRules holds one rule per action class
type RateLimitRules struct {
	RequestCode RuleConfig `mapstructure:"request_code"`
	VerifyCode  RuleConfig `mapstructure:"verify_code"`
	SessionAuth RuleConfig `mapstructure:"session_auth"`
	Signup      RuleConfig `mapstructure:"signup"`
	Login       RuleConfig `mapstructure:"login"`
}

// HTTPThrottleConfig configures the coarse per-client request throttle
type HTTPThrottleConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled         bool               `mapstructure:"enabled"`
	Store           string             `mapstructure:"store"`
	CleanupInterval time.Duration      `mapstructure:"cleanup_interval"`
	Rules           RateLimitRules     `mapstructure:"rules"`
	HTTP            HTTPThrottleConfig `mapstructure:"http"`
}

// VerificationConfig holds email verification settings
type VerificationConfig struct {
	CodeTTL      time.Duration `mapstructure:"code_ttl"`
	CodeLength   int           `mapstructure:"code_length"`
	EmailTimeout time.Duration `mapstructure:"email_timeout"`
	EmailSubject string        `mapstructure:"email_subject"`
	// BcryptCost is the work factor for stored code hashes
	BcryptCost int `mapstructure:"bcrypt_cost"`
}

// SessionsConfig holds politician session settings
type SessionsConfig struct {
	Lifetime      time.Duration `mapstructure:"lifetime"`
	TouchTimeout  time.Duration `mapstructure:"touch_timeout"`
	PruneAfter    time.Duration `mapstructure:"prune_after"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// IdentityConfig selects and configures the external identity provider
type IdentityConfig struct {
	// Provider is one of jwt, oidc or none
	Provider   string             `mapstructure:"provider"`
	CookieName string             `mapstructure:"cookie_name"`
	JWT        JWTIdentityConfig  `mapstructure:"jwt"`
	OIDC       OIDCIdentityConfig `mapstructure:"oidc"`
	// Timeout bounds token validation including the role lookup
	Timeout time.Duration `mapstructure:"timeout"`
}

// JWTIdentityConfig holds settings for HS256-signed access tokens
type JWTIdentityConfig struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

// OIDCIdentityConfig holds settings for an OpenID Connect issuer
type OIDCIdentityConfig struct {
	IssuerURL string `mapstructure:"issuer_url"`
	ClientID  string `mapstructure:"client_id"`
	// UseUserInfo resolves opaque access tokens through the userinfo endpoint
	UseUserInfo bool `mapstructure:"use_userinfo"`
}

// MailConfig selects the outbound mail driver
type MailConfig struct {
	// Driver is smtp or log
	Driver string     `mapstructure:"driver"`
	SMTP   SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig holds outbound mail server configuration
type SMTPConfig struct {
	// Host is the SMTP server hostname (e.g. smtp.sendgrid.net)
	Host string `mapstructure:"host"`
	// Port is the SMTP server port (587 for STARTTLS, 465 for SMTPS, 25 for plain)
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors"`
	TLS  TLSConfig  `mapstructure:"tls"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	Enabled  bool                 `mapstructure:"enabled"`
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Type is the shipper type (webhook, file)
	Type    string              `mapstructure:"type"`
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	TimeoutSecs int               `mapstructure:"timeout_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path string `mapstructure:"path"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",

		// Rate limiting
		"rate_limiting.enabled",
		"rate_limiting.store",
		"rate_limiting.cleanup_interval",
		"rate_limiting.rules.request_code.limit",
		"rate_limiting.rules.request_code.window",
		"rate_limiting.rules.verify_code.limit",
		"rate_limiting.rules.verify_code.window",
		"rate_limiting.rules.session_auth.limit",
		"rate_limiting.rules.session_auth.window",
		"rate_limiting.rules.signup.limit",
		"rate_limiting.rules.signup.window",
		"rate_limiting.rules.login.limit",
		"rate_limiting.rules.login.window",
		"rate_limiting.http.requests_per_minute",
		"rate_limiting.http.burst",

		// Verification
		"verification.code_ttl",
		"verification.code_length",
		"verification.email_timeout",
		"verification.email_subject",
		"verification.bcrypt_cost",

		// Sessions
		"sessions.lifetime",
		"sessions.touch_timeout",
		"sessions.prune_after",
		"sessions.prune_interval",

		// Identity
		"identity.provider",
		"identity.cookie_name",
		"identity.timeout",
		"identity.jwt.secret",
		"identity.jwt.issuer",
		"identity.jwt.audience",
		"identity.oidc.issuer_url",
		"identity.oidc.client_id",
		"identity.oidc.use_userinfo",

		// Mail
		"mail.driver",
		"mail.smtp.host",
		"mail.smtp.port",
		"mail.smtp.username",
		"mail.smtp.password",
		"mail.smtp.from",
		"mail.smtp.use_tls",

		// Security
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		"audit.enabled",
		"storage_timeout",
	}

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch loads configPath and calls onChange with the reloaded configuration
// each time the file is written. Reloads that fail validation are logged and
// skipped. The watcher lives for the rest of the process.
func Watch(configPath string, onChange func(*Config)) error {
	if configPath == "" {
		return errors.New("config watch requires an explicit config file")
	}
	v, err := newViper(configPath)
	if err != nil {
		return err
	}
	if _, err := decode(v); err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("ignoring invalid config reload", "file", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/accessgate")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("AG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Identity.JWT.Secret = expandEnv(cfg.Identity.JWT.Secret)
	cfg.Mail.SMTP.Password = expandEnv(cfg.Mail.SMTP.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "accessgate")
	v.SetDefault("database.user", "accessgate")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rate_limiting.enabled", true)
	v.SetDefault("rate_limiting.store", "memory")
	v.SetDefault("rate_limiting.cleanup_interval", "1m")
	v.SetDefault("rate_limiting.rules.request_code.limit", 3)
	v.SetDefault("rate_limiting.rules.request_code.window", "15m")
	v.SetDefault("rate_limiting.rules.verify_code.limit", 5)
	v.SetDefault("rate_limiting.rules.verify_code.window", "15m")
	v.SetDefault("rate_limiting.rules.session_auth.limit", 30)
	v.SetDefault("rate_limiting.rules.session_auth.window", "1m")
	v.SetDefault("rate_limiting.rules.signup.limit", 5)
	v.SetDefault("rate_limiting.rules.signup.window", "1h")
	v.SetDefault("rate_limiting.rules.login.limit", 10)
	v.SetDefault("rate_limiting.rules.login.window", "15m")
	v.SetDefault("rate_limiting.http.requests_per_minute", 120)
	v.SetDefault("rate_limiting.http.burst", 20)

	v.SetDefault("verification.code_ttl", "15m")
	v.SetDefault("verification.code_length", 6)
	v.SetDefault("verification.email_timeout", "10s")
	v.SetDefault("verification.email_subject", "Your verification code")
	v.SetDefault("verification.bcrypt_cost", 10)

	v.SetDefault("sessions.lifetime", "24h")
	v.SetDefault("sessions.touch_timeout", "5s")
	v.SetDefault("sessions.prune_after", "720h")
	v.SetDefault("sessions.prune_interval", "1h")

	v.SetDefault("identity.provider", "none")
	v.SetDefault("identity.cookie_name", "sb-access-token")
	v.SetDefault("identity.timeout", "5s")

	v.SetDefault("mail.driver", "log")
	v.SetDefault("mail.smtp.port", 587)
	v.SetDefault("mail.smtp.use_tls", true)

	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.tls.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "accessgate")
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("storage_timeout", "5s")
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	switch c.RateLimiting.Store {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when rate_limiting.store is redis")
		}
	default:
		return fmt.Errorf("invalid rate_limiting.store: %s (must be memory or redis)", c.RateLimiting.Store)
	}
	rules := map[string]RuleConfig{
		"request_code": c.RateLimiting.Rules.RequestCode,
		"verify_code":  c.RateLimiting.Rules.VerifyCode,
		"session_auth": c.RateLimiting.Rules.SessionAuth,
		"signup":       c.RateLimiting.Rules.Signup,
		"login":        c.RateLimiting.Rules.Login,
	}
	for name, rule := range rules {
		if rule.Limit < 1 {
			return fmt.Errorf("rate_limiting.rules.%s.limit must be positive", name)
		}
		if rule.Window <= 0 {
			return fmt.Errorf("rate_limiting.rules.%s.window must be positive", name)
		}
	}

	if c.Verification.CodeTTL <= 0 {
		return fmt.Errorf("verification.code_ttl must be positive")
	}
	if c.Verification.CodeLength < 4 || c.Verification.CodeLength > 16 {
		return fmt.Errorf("verification.code_length must be between 4 and 16")
	}
	if c.Sessions.Lifetime <= 0 {
		return fmt.Errorf("sessions.lifetime must be positive")
	}

	switch c.Identity.Provider {
	case "none":
	case "jwt":
		if c.Identity.JWT.Secret == "" {
			return fmt.Errorf("identity.jwt.secret is required when identity.provider is jwt")
		}
	case "oidc":
		if c.Identity.OIDC.IssuerURL == "" {
			return fmt.Errorf("identity.oidc.issuer_url is required when identity.provider is oidc")
		}
		if c.Identity.OIDC.ClientID == "" && !c.Identity.OIDC.UseUserInfo {
			return fmt.Errorf("identity.oidc.client_id is required unless identity.oidc.use_userinfo is set")
		}
	default:
		return fmt.Errorf("invalid identity.provider: %s (must be none, jwt, or oidc)", c.Identity.Provider)
	}

	switch c.Mail.Driver {
	case "log":
	case "smtp":
		if c.Mail.SMTP.Host == "" {
			return fmt.Errorf("mail.smtp.host is required when mail.driver is smtp")
		}
		if c.Mail.SMTP.From == "" {
			return fmt.Errorf("mail.smtp.from is required when mail.driver is smtp")
		}
	default:
		return fmt.Errorf("invalid mail.driver: %s (must be smtp or log)", c.Mail.Driver)
	}

	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
