package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the YAML file leaves a field unset.
const (
	defaultListenAddr       = ":8080"
	defaultJWTExpiryHours   = 72
	defaultLoginPerHour     = 5
	defaultGeneratePerHour  = 20
	defaultLockoutThreshold = 5
	defaultLockoutMinutes   = 30
	defaultProviderTimeout  = 55 * time.Second
	defaultShutdownTimeout  = 15 * time.Second
)

// ErrMissingDSN indicates the database DSN is absent from file and environment.
var ErrMissingDSN = errors.New("database dsn not configured")

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`      // Address the HTTP server binds to.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Grace period for in-flight requests.
}

// DatabaseConfig holds the ledger database settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // Postgres or SQLite DSN.
}

// RedisConfig holds key-value store settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`     // host:port of the Redis server.
	Password string `yaml:"password"` // Optional AUTH password.
	DB       int    `yaml:"db"`       // Logical database index.
}

// JWTConfig holds token signing settings.
type JWTConfig struct {
	Secret      string `yaml:"secret"`       // HMAC signing secret.
	ExpiryHours int    `yaml:"expiry_hours"` // Token lifetime in hours.
}

// StripeConfig holds payment webhook settings.
type StripeConfig struct {
	WebhookSecret string           `yaml:"webhook_secret"` // Shared secret for webhook signatures.
	PriceCredits  map[string]int64 `yaml:"price_credits"`  // Credits granted per price ID.
}

// ProviderConfig holds the letter generation backend settings.
type ProviderConfig struct {
	BaseURL string        `yaml:"base_url"` // Generation service base URL.
	APIKey  string        `yaml:"api_key"`  // Bearer token for the service.
	Timeout time.Duration `yaml:"timeout"`  // Per-request timeout.
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`     // Log level name, defaults to info.
	FilePath string `yaml:"file_path"` // Rotating log file; empty logs to stdout only.
}

// LimitsConfig holds abuse control settings.
type LimitsConfig struct {
	LoginPerHour     int `yaml:"login_per_hour"`    // Login attempts per email per hour.
	GeneratePerHour  int `yaml:"generate_per_hour"` // Generation requests per user per hour.
	LockoutThreshold int `yaml:"lockout_threshold"` // Failures before an account locks.
	LockoutMinutes   int `yaml:"lockout_minutes"`   // Lock duration in minutes.
}

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	JWT      JWTConfig      `yaml:"jwt"`
	Stripe   StripeConfig   `yaml:"stripe"`
	Provider ProviderConfig `yaml:"provider"`
	Logging  LoggingConfig  `yaml:"logging"`
	Limits   LimitsConfig   `yaml:"limits"`
}

// Load reads the YAML config file, applies environment overrides and defaults.
// An empty path yields a config built from environment and defaults alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if errParse := yaml.Unmarshal(data, cfg); errParse != nil {
			return nil, fmt.Errorf("parse config: %w", errParse)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return ErrMissingDSN
	}
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return errors.New("jwt secret not configured")
	}
	return nil
}

// JWTExpiry returns the configured token lifetime.
func (c *Config) JWTExpiry() time.Duration {
	return time.Duration(c.JWT.ExpiryHours) * time.Hour
}

// LockoutDuration returns the configured account lock duration.
func (c *Config) LockoutDuration() time.Duration {
	return time.Duration(c.Limits.LockoutMinutes) * time.Minute
}

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("BM_DATABASE_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("BM_REDIS_ADDR")); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("BM_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("BM_JWT_SECRET"); v != "" {
		c.JWT.Secret = v
	}
	if v := os.Getenv("BM_STRIPE_WEBHOOK_SECRET"); v != "" {
		c.Stripe.WebhookSecret = v
	}
	if v := os.Getenv("BM_PROVIDER_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
}

// applyDefaults fills unset fields with production defaults.
func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		c.Server.ListenAddr = defaultListenAddr
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.JWT.ExpiryHours <= 0 {
		c.JWT.ExpiryHours = defaultJWTExpiryHours
	}
	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = defaultProviderTimeout
	}
	if c.Limits.LoginPerHour <= 0 {
		c.Limits.LoginPerHour = defaultLoginPerHour
	}
	if c.Limits.GeneratePerHour <= 0 {
		c.Limits.GeneratePerHour = defaultGeneratePerHour
	}
	if c.Limits.LockoutThreshold <= 0 {
		c.Limits.LockoutThreshold = defaultLockoutThreshold
	}
	if c.Limits.LockoutMinutes <= 0 {
		c.Limits.LockoutMinutes = defaultLockoutMinutes
	}
	if c.Stripe.PriceCredits == nil {
		c.Stripe.PriceCredits = map[string]int64{}
	}
}
