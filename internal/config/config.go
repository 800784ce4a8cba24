// Package config loads the exchange server's runtime settings from the
// environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all runtime configuration for the exchange server.
type Config struct {
	Port            int
	LogLevel        string
	DatabaseURL     string // empty selects the in-memory store
	RedisURL        string // empty disables the cache
	CacheTTL        time.Duration
	DefaultBalance  decimal.Decimal
	ReversalMode    string
	BootstrapAdmin  string // username provisioned as administrator at startup
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", port)
	}

	logLevel := strings.ToLower(getStr("LOG_LEVEL", "info"))
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	cacheTTL, err := getDuration("CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}

	balance, err := getDecimal("DEFAULT_BALANCE", decimal.NewFromInt(1_000_000))
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_BALANCE: %w", err)
	}
	if !balance.IsPositive() {
		return nil, fmt.Errorf("invalid DEFAULT_BALANCE: %s must be positive", balance)
	}

	reversal := strings.ToLower(getStr("REVERSAL_MODE", "strict"))
	if reversal != "strict" && reversal != "compensate" {
		return nil, fmt.Errorf("invalid REVERSAL_MODE: %q, must be strict or compensate", reversal)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		CacheTTL:        cacheTTL,
		DefaultBalance:  balance,
		ReversalMode:    reversal,
		BootstrapAdmin:  getStr("BOOTSTRAP_ADMIN", "admin"),
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		IdleTimeout:     idleTimeout,
		ShutdownTimeout: shutdownTimeout,
	}, nil
}

// SlogLevel returns the slog level for LogLevel.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getStr(key, defaultVal string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", v)
	}
	return d, nil
}

func getDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return decimal.NewFromString(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
