// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all runtime configuration for the trading engine.
type Config struct {
	Port     int
	LogLevel string

	// DatabaseURL selects the PostgreSQL store; empty means in-memory.
	DatabaseURL string
	// RedisURL enables the read-through cache in front of PostgreSQL.
	RedisURL string
	CacheTTL time.Duration
	// TxTimeout bounds every settlement transaction.
	TxTimeout time.Duration

	PriceInterval   time.Duration
	PriceVolatility float64

	FeeRate        decimal.Decimal
	InitialBalance decimal.Decimal

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LoadEnvFile loads variables from the given .env files (default ".env")
// without overriding variables already set. A missing file is not an error.
func LoadEnvFile(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %q", os.Getenv("PORT"))
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	cacheTTL, err := getPositiveDuration("CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, err
	}
	txTimeout, err := getPositiveDuration("TX_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	priceInterval, err := getPositiveDuration("PRICE_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, err
	}

	volatility, err := getFloat("PRICE_VOLATILITY", 0.02)
	if err != nil || !(volatility > 0 && volatility < 1) {
		return nil, fmt.Errorf("invalid PRICE_VOLATILITY: %q, must be in (0, 1)", os.Getenv("PRICE_VOLATILITY"))
	}

	feeRate, err := getDecimal("FEE_RATE", "0.001")
	if err != nil || feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("invalid FEE_RATE: %q, must be in [0, 1)", os.Getenv("FEE_RATE"))
	}

	initialBalance, err := getDecimal("INITIAL_BALANCE", "10000")
	if err != nil || initialBalance.IsNegative() {
		return nil, fmt.Errorf("invalid INITIAL_BALANCE: %q", os.Getenv("INITIAL_BALANCE"))
	}

	readTimeout, err := getPositiveDuration("READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := getPositiveDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	idleTimeout, err := getPositiveDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}
	shutdownTimeout, err := getPositiveDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:            port,
		LogLevel:        logLevel,
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		CacheTTL:        cacheTTL,
		TxTimeout:       txTimeout,
		PriceInterval:   priceInterval,
		PriceVolatility: volatility,
		FeeRate:         feeRate,
		InitialBalance:  initialBalance,
		ReadTimeout:     readTimeout,
		WriteTimeout:    writeTimeout,
		IdleTimeout:     idleTimeout,
		ShutdownTimeout: shutdownTimeout,
	}, nil
}

// SlogLevel maps LogLevel onto a slog.Level.
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
	v := os.Getenv(key)
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

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getDecimal(key, defaultVal string) (decimal.Decimal, error) {
	return decimal.NewFromString(getStr(key, defaultVal))
}

func getPositiveDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q, must be positive", key, v)
	}
	return d, nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
