// Package config loads the service configuration from PYMEMAD_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pymemad.org/internal/access"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Resolver ResolverConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimitBurst  int
	RateLimitPerSec int
}

// DatabaseConfig holds the PostgreSQL connection settings. An empty DSN runs
// the service on the in-memory store.
type DatabaseConfig struct {
	DSN string
}

// AuthConfig holds the context-token settings.
type AuthConfig struct {
	TokenSecret string
	TokenIssuer string
}

// ResolverConfig tunes the permission resolver.
type ResolverConfig struct {
	CheckTimeout time.Duration
	CacheTTL     time.Duration
	CacheSize    int
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("PYMEMAD_ADDR", ":8080"),
			ReadTimeout:     getEnvDuration("PYMEMAD_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("PYMEMAD_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("PYMEMAD_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("PYMEMAD_SHUTDOWN_TIMEOUT", 10*time.Second),
			RateLimitBurst:  getEnvInt("PYMEMAD_RATE_BURST", 50),
			RateLimitPerSec: getEnvInt("PYMEMAD_RATE_PER_SEC", 25),
		},
		Database: DatabaseConfig{
			DSN: getEnv("PYMEMAD_PG_DSN", ""),
		},
		Auth: AuthConfig{
			TokenSecret: getEnv("PYMEMAD_TOKEN_SECRET", ""),
			TokenIssuer: getEnv("PYMEMAD_TOKEN_ISSUER", "pymemad"),
		},
		Resolver: ResolverConfig{
			CheckTimeout: getEnvDuration("PYMEMAD_CHECK_TIMEOUT", access.DefaultCheckTimeout),
			CacheTTL:     getEnvDuration("PYMEMAD_CACHE_TTL", access.DefaultCacheTTL),
			CacheSize:    getEnvInt("PYMEMAD_CACHE_SIZE", access.DefaultCacheSize),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("PYMEMAD_TOKEN_SECRET is required")
	}
	if c.Resolver.CheckTimeout <= 0 {
		return fmt.Errorf("check timeout must be positive")
	}
	if c.Resolver.CacheSize <= 0 {
		return fmt.Errorf("cache size must be positive")
	}
	if c.Server.RateLimitBurst <= 0 || c.Server.RateLimitPerSec <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return fallback
}
