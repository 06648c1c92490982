// Package config loads and validates servitor configuration from defaults,
// an optional YAML file, a .env file, and SERVITOR_-prefixed environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/servitorhq/servitor/pkg/logging"
)

// Config holds all configuration for the application.
type Config struct {
	Environment string        `mapstructure:"environment"`
	Service     ServiceConfig `mapstructure:"service"`
	Cache       CacheConfig   `mapstructure:"cache"`
	Kafka       KafkaConfig   `mapstructure:"kafka"`
	Auth        AuthConfig    `mapstructure:"auth"`
	Monitor     MonitorConfig `mapstructure:"monitor"`
	Metrics     MetricsConfig `mapstructure:"metrics"`
	API         APIConfig     `mapstructure:"api"`
}

// ServiceConfig identifies the supervised service. It is created once at
// startup and never mutated; lifecycle managers hold a reference to it.
type ServiceConfig struct {
	Name     string         `mapstructure:"name"`
	Port     int            `mapstructure:"port"`
	LogLevel string         `mapstructure:"log_level"`
	Database DatabaseConfig `mapstructure:"database"`
}

// DatabaseConfig holds the nested database connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN returns the lib/pq connection string for this database.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// CacheConfig holds Redis-related configuration.
type CacheConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds the control plane topics and broker list.
type KafkaConfig struct {
	Brokers       string `mapstructure:"brokers"`
	CommandTopic  string `mapstructure:"command_topic"`
	ResultTopic   string `mapstructure:"result_topic"`
	ConsumerGroup string `mapstructure:"consumer_group"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	JWTSecret         string `mapstructure:"jwt_secret"`
	TokenExpiry       int64  `mapstructure:"token_expiry"`
	AdminUser         string `mapstructure:"admin_user"`
	AdminPasswordHash string `mapstructure:"admin_password_hash"`
}

// MonitorConfig holds the health sweep settings.
type MonitorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

// MetricsConfig holds metrics-related configuration.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// APIConfig holds HTTP surface settings beyond the listen port.
type APIConfig struct {
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"`
}

// Validate checks the loaded configuration for values the rest of the
// system depends on. The lifecycle manager itself trusts its ServiceConfig;
// validation happens once, here, at load time.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name must not be empty")
	}
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("service.port %d out of range 1-65535", c.Service.Port)
	}
	if _, err := logging.ParseLevel(c.Service.LogLevel); err != nil {
		return fmt.Errorf("service.log_level: %w", err)
	}
	if c.Service.Database.Port < 1 || c.Service.Database.Port > 65535 {
		return fmt.Errorf("service.database.port %d out of range 1-65535", c.Service.Database.Port)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval)
	}
	if c.Monitor.SnapshotTTL <= 0 {
		return fmt.Errorf("monitor.snapshot_ttl must be positive, got %s", c.Monitor.SnapshotTTL)
	}
	if c.API.RateLimitPerMinute < 1 {
		return fmt.Errorf("api.rate_limit_per_minute must be at least 1, got %d", c.API.RateLimitPerMinute)
	}
	return nil
}
