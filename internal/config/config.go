// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Storage backend names accepted in STORE_BACKEND.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	FrontendURL  string
	DataDir      string
	Timezone     string
	StoreBackend string

	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ETAExpiration     time.Duration
	InactivityTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DataDir:           getEnv("DATA_DIR", "data"),
		Timezone:          getEnv("DEFAULT_TIMEZONE", "Europe/Stockholm"),
		StoreBackend:      strings.ToLower(getEnv("STORE_BACKEND", BackendJSON)),
		SQLitePath:        getEnv("SQLITE_PATH", ""),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		ETAExpiration:     time.Duration(getEnvInt("ETA_EXPIRATION_MINUTES", 60)) * time.Minute,
		InactivityTimeout: time.Duration(getEnvInt("SESSION_INACTIVITY_TIMEOUT_HOURS", 3)) * time.Hour,
	}

	if cfg.SQLitePath == "" {
		cfg.SQLitePath = filepath.Join(cfg.DataDir, "readyup.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}
	switch c.StoreBackend {
	case BackendJSON, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("STORE_BACKEND must be one of %s, %s, %s; got %q",
			BackendJSON, BackendSQLite, BackendRedis, c.StoreBackend)
	}
	if c.StoreBackend == BackendSQLite && c.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH cannot be empty")
	}
	if c.StoreBackend == BackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR cannot be empty")
	}
	if c.ETAExpiration <= 0 {
		return fmt.Errorf("ETA_EXPIRATION_MINUTES must be > 0")
	}
	if c.InactivityTimeout <= 0 {
		return fmt.Errorf("SESSION_INACTIVITY_TIMEOUT_HOURS must be > 0")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("DEFAULT_TIMEZONE must be a valid IANA zone name: %w", err)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the origins the HTTP layer should accept.
// Development mode falls back to the wildcard.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
