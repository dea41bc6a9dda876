// Package config loads service configuration from an optional YAML file and
// EVODASH_* environment variables.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	envPrefix      = "EVODASH"
	minSecretBytes = 32
)

// ErrMissingSecret is returned when production starts without a signing key.
var ErrMissingSecret = errors.New("config: auth.secret is required in production")

// Config holds all application configuration.
type Config struct {
	Env         string            `mapstructure:"env" validate:"oneof=production development"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Log         LogConfig         `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig configures the PostgreSQL pool. An empty DSN selects the
// in-memory store, which is only accepted outside production.
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=1"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type AuthConfig struct {
	Secret           string        `mapstructure:"secret"`
	Issuer           string        `mapstructure:"issuer" validate:"required"`
	TokenTTL         time.Duration `mapstructure:"token_ttl" validate:"gte=1m"`
	BcryptCost       int           `mapstructure:"bcrypt_cost" validate:"gte=4,lte=31"`
	LockoutThreshold int           `mapstructure:"lockout_threshold" validate:"gte=1"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration" validate:"gte=1s"`
	StoreTimeout     time.Duration `mapstructure:"store_timeout" validate:"gt=0"`
}

type RateLimitConfig struct {
	Window      time.Duration `mapstructure:"window" validate:"gte=1s"`
	MaxRequests int           `mapstructure:"max_requests" validate:"gte=1"`
	FailOpen    bool          `mapstructure:"fail_open"`
	APIRPS      float64       `mapstructure:"api_rps" validate:"gt=0"`
	APIBurst    int           `mapstructure:"api_burst" validate:"gte=1"`
	// TrustedProxies are addresses or CIDR blocks whose X-Forwarded-For
	// header may key rate limits.
	TrustedProxies []string `mapstructure:"trusted_proxies" validate:"dive,cidr|ip"`
}

type MaintenanceConfig struct {
	Schedule      string        `mapstructure:"schedule" validate:"required"`
	RateLimitKeep time.Duration `mapstructure:"ratelimit_keep" validate:"gte=1m"`
	Disabled      bool          `mapstructure:"disable"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn warning error"`
}

// Production reports whether the service runs with production guarantees.
func (c *Config) Production() bool {
	return c.Env == EnvProduction
}

// SecretBytes returns the token signing key.
func (c *Config) SecretBytes() []byte {
	return []byte(c.Auth.Secret)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", EnvProduction)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)

	v.SetDefault("redis.url", "")

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "evodash")
	v.SetDefault("auth.token_ttl", 7*24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.lockout_threshold", 5)
	v.SetDefault("auth.lockout_duration", 15*time.Minute)
	v.SetDefault("auth.store_timeout", 5*time.Second)

	v.SetDefault("ratelimit.window", 15*time.Minute)
	v.SetDefault("ratelimit.max_requests", 10)
	v.SetDefault("ratelimit.fail_open", false)
	v.SetDefault("ratelimit.api_rps", 20.0)
	v.SetDefault("ratelimit.api_burst", 40)
	v.SetDefault("ratelimit.trusted_proxies", []string{})

	v.SetDefault("maintenance.schedule", "@every 1h")
	v.SetDefault("maintenance.ratelimit_keep", time.Hour)
	v.SetDefault("maintenance.disable", false)

	v.SetDefault("log.level", "info")
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Auth.Secret = strings.TrimSpace(cfg.Auth.Secret)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the production signing-key rule.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	if c.Production() {
		if c.Auth.Secret == "" {
			return ErrMissingSecret
		}
		if len(c.Auth.Secret) < minSecretBytes {
			return fmt.Errorf("config: auth.secret must be at least %d bytes in production", minSecretBytes)
		}
		if c.Database.DSN == "" {
			return errors.New("config: database.dsn is required in production")
		}
	}
	return nil
}

// EnsureDevSecret fills an empty secret with random bytes outside production.
// It reports whether a secret was generated so the caller can warn.
func (c *Config) EnsureDevSecret() (bool, error) {
	if c.Auth.Secret != "" {
		return false, nil
	}
	if c.Production() {
		return false, ErrMissingSecret
	}
	buf := make([]byte, minSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return false, fmt.Errorf("config: generate dev secret: %w", err)
	}
	c.Auth.Secret = string(buf)
	return true, nil
}
