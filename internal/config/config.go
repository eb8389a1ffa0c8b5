// Package config provides configuration loading for the Devoter API.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/devoter-xyz/devoter-api/internal/apikey"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	APIKey    APIKeyConfig    `mapstructure:"apikey"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Usage     UsageConfig     `mapstructure:"usage"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	// Driver selects the credential/usage store: "postgres" or "memory".
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the PostgreSQL URL used by the migrator.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig holds wallet signature authentication settings.
type AuthConfig struct {
	MaxSignatureAgeMinutes int           `mapstructure:"max_signature_age_minutes"`
	StrictChecksum         bool          `mapstructure:"strict_checksum"`
	ReplayCleanupInterval  time.Duration `mapstructure:"replay_cleanup_interval"`
	// ReplayBackend is "memory" (process-local) or "redis".
	ReplayBackend string `mapstructure:"replay_backend"`
	// AdminWallets may read rate limit analytics. Empty disables the endpoint.
	AdminWallets []string `mapstructure:"admin_wallets"`
}

// MaxSignatureAge returns the freshness window for signed messages.
func (c AuthConfig) MaxSignatureAge() time.Duration {
	return time.Duration(c.MaxSignatureAgeMinutes) * time.Minute
}

// APIKeyConfig holds credential issuance settings.
type APIKeyConfig struct {
	Prefix    string `mapstructure:"prefix"`
	MaxActive int    `mapstructure:"max_active"`
	// StrictFormat rejects legacy underscore-delimited keys.
	StrictFormat bool `mapstructure:"strict_format"`
}

// RateLimitConfig holds per-tier request budgets.
type RateLimitConfig struct {
	GeneralMax      int           `mapstructure:"general_max"`
	AuthMax         int           `mapstructure:"auth_max"`
	KeyCreationMax  int           `mapstructure:"key_creation_max"`
	RegistrationMax int           `mapstructure:"registration_max"`
	HealthMax       int           `mapstructure:"health_max"`
	Window          time.Duration `mapstructure:"window"`
	EventCapacity   int           `mapstructure:"event_capacity"`
}

// UsageConfig holds usage telemetry batching settings.
type UsageConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// CORSConfig holds cross-origin settings.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/devoter")

	v.SetEnvPrefix("DEVOTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings that would disable a safety bound.
func (c *Config) Validate() error {
	var errs []error

	if c.Auth.MaxSignatureAgeMinutes <= 0 {
		errs = append(errs, errors.New("auth.max_signature_age_minutes must be positive"))
	}
	if c.Auth.ReplayCleanupInterval <= 0 {
		errs = append(errs, errors.New("auth.replay_cleanup_interval must be positive"))
	}
	switch c.Auth.ReplayBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("auth.replay_backend %q is not supported", c.Auth.ReplayBackend))
	}
	switch c.Database.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.APIKey.Prefix != "" && !apikey.ValidPrefix(c.APIKey.Prefix) {
		errs = append(errs, fmt.Errorf("apikey.prefix %q must be two or more ASCII letters", c.APIKey.Prefix))
	}
	if c.APIKey.MaxActive <= 0 {
		errs = append(errs, errors.New("apikey.max_active must be positive"))
	}
	for name, max := range map[string]int{
		"general_max":      c.RateLimit.GeneralMax,
		"auth_max":         c.RateLimit.AuthMax,
		"key_creation_max": c.RateLimit.KeyCreationMax,
		"registration_max": c.RateLimit.RegistrationMax,
		"health_max":       c.RateLimit.HealthMax,
	} {
		if max <= 0 {
			errs = append(errs, fmt.Errorf("ratelimit.%s must be positive", name))
		}
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("ratelimit.window must be positive"))
	}
	if c.Usage.BatchSize <= 0 {
		errs = append(errs, errors.New("usage.batch_size must be positive"))
	}
	if c.Usage.FlushInterval <= 0 {
		errs = append(errs, errors.New("usage.flush_interval must be positive"))
	}

	return errors.Join(errs...)
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "devoter")
	v.SetDefault("database.password", "devoter")
	v.SetDefault("database.database", "devoter")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Wallet auth defaults
	v.SetDefault("auth.max_signature_age_minutes", 5)
	v.SetDefault("auth.strict_checksum", false)
	v.SetDefault("auth.replay_cleanup_interval", "60s")
	v.SetDefault("auth.replay_backend", "memory")
	v.SetDefault("auth.admin_wallets", []string{})

	// API key defaults
	v.SetDefault("apikey.prefix", "dv")
	v.SetDefault("apikey.max_active", 3)
	v.SetDefault("apikey.strict_format", false)

	// Rate limit defaults
	v.SetDefault("ratelimit.general_max", 100)
	v.SetDefault("ratelimit.auth_max", 10)
	v.SetDefault("ratelimit.key_creation_max", 3)
	v.SetDefault("ratelimit.registration_max", 5)
	v.SetDefault("ratelimit.health_max", 200)
	v.SetDefault("ratelimit.window", "1m")
	v.SetDefault("ratelimit.event_capacity", 1000)

	// Usage telemetry defaults
	v.SetDefault("usage.batch_size", 50)
	v.SetDefault("usage.flush_interval", "5s")

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:*"})
}
