package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Cache     CacheConfig    `mapstructure:"cache"`
	Approval  ApprovalConfig `mapstructure:"approval"`
	JWTSecret string         `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
}

type CacheConfig struct {
	Driver             string `mapstructure:"driver"` // "memory" or "redis"
	TTLSeconds         int    `mapstructure:"ttl_seconds"`
	NegativeTTLSeconds int    `mapstructure:"negative_ttl_seconds"`
	RedisAddr          string `mapstructure:"redis_addr"`
}

type ApprovalConfig struct {
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
	GrantTTLHours        int `mapstructure:"grant_ttl_hours"`
}

// TTL returns the cache lifetime for allowed decisions.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// NegativeTTL returns the shorter cache lifetime for denied decisions.
func (c CacheConfig) NegativeTTL() time.Duration {
	return time.Duration(c.NegativeTTLSeconds) * time.Second
}

// SweepInterval returns how often the escalation sweep runs.
func (a ApprovalConfig) SweepInterval() time.Duration {
	return time.Duration(a.SweepIntervalSeconds) * time.Second
}

// GrantWindow returns how long an approved request keeps granting the
// requested action. Zero disables expiry.
func (a ApprovalConfig) GrantWindow() time.Duration {
	return time.Duration(a.GrantTTLHours) * time.Hour
}

// ConnString returns the PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.pool_size", 10)
	viper.SetDefault("cache.driver", "memory")
	viper.SetDefault("cache.ttl_seconds", 300)
	viper.SetDefault("cache.negative_ttl_seconds", 30)
	viper.SetDefault("cache.redis_addr", "localhost:6379")
	viper.SetDefault("approval.sweep_interval_seconds", 60)
	viper.SetDefault("approval.grant_ttl_hours", 24)
	viper.SetDefault("jwt_secret", "changeme-secret")

	viper.AutomaticEnv()

	// A missing config file is fine; defaults and env cover everything.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
