package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var allKeys = []string{
	"PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_URL", "CACHE_TTL", "TX_TIMEOUT",
	"PRICE_INTERVAL", "PRICE_VOLATILITY", "FEE_RATE", "INITIAL_BALANCE",
	"READ_TIMEOUT", "WRITE_TIMEOUT", "IDLE_TIMEOUT", "SHUTDOWN_TIMEOUT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range allKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.DatabaseURL != "" || cfg.RedisURL != "" {
		t.Errorf("expected no store URLs, got %q / %q", cfg.DatabaseURL, cfg.RedisURL)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("CacheTTL = %v, want 30s", cfg.CacheTTL)
	}
	if cfg.TxTimeout != 5*time.Second {
		t.Errorf("TxTimeout = %v, want 5s", cfg.TxTimeout)
	}
	if cfg.PriceInterval != 5*time.Second {
		t.Errorf("PriceInterval = %v, want 5s", cfg.PriceInterval)
	}
	if cfg.PriceVolatility != 0.02 {
		t.Errorf("PriceVolatility = %v, want 0.02", cfg.PriceVolatility)
	}
	if !cfg.FeeRate.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("FeeRate = %s, want 0.001", cfg.FeeRate)
	}
	if !cfg.InitialBalance.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("InitialBalance = %s, want 10000", cfg.InitialBalance)
	}
	if cfg.ReadTimeout != 5*time.Second || cfg.WriteTimeout != 10*time.Second ||
		cfg.IdleTimeout != 60*time.Second || cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("unexpected server timeouts: %+v", cfg)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://localhost/trading")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("TX_TIMEOUT", "750ms")
	t.Setenv("PRICE_INTERVAL", "1s")
	t.Setenv("PRICE_VOLATILITY", "0.05")
	t.Setenv("FEE_RATE", "0.0025")
	t.Setenv("INITIAL_BALANCE", "2500.50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9090 || cfg.LogLevel != "debug" {
		t.Errorf("unexpected port/level: %d %q", cfg.Port, cfg.LogLevel)
	}
	if cfg.DatabaseURL != "postgres://localhost/trading" || cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("unexpected URLs: %q %q", cfg.DatabaseURL, cfg.RedisURL)
	}
	if cfg.TxTimeout != 750*time.Millisecond || cfg.PriceInterval != time.Second {
		t.Errorf("unexpected durations: %v %v", cfg.TxTimeout, cfg.PriceInterval)
	}
	if cfg.PriceVolatility != 0.05 {
		t.Errorf("PriceVolatility = %v, want 0.05", cfg.PriceVolatility)
	}
	if !cfg.FeeRate.Equal(decimal.RequireFromString("0.0025")) || !cfg.InitialBalance.Equal(decimal.RequireFromString("2500.50")) {
		t.Errorf("unexpected fee/balance: %s %s", cfg.FeeRate, cfg.InitialBalance)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("SlogLevel = %v, want debug", cfg.SlogLevel())
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"PORT", "abc"},
		{"PORT", "70000"},
		{"LOG_LEVEL", "verbose"},
		{"TX_TIMEOUT", "soon"},
		{"TX_TIMEOUT", "-1s"},
		{"CACHE_TTL", "0s"},
		{"PRICE_INTERVAL", "10"},
		{"PRICE_VOLATILITY", "1.5"},
		{"PRICE_VOLATILITY", "0"},
		{"PRICE_VOLATILITY", "NaN"},
		{"FEE_RATE", "-0.1"},
		{"FEE_RATE", "1"},
		{"INITIAL_BALANCE", "-5"},
		{"INITIAL_BALANCE", "lots"},
		{"SHUTDOWN_TIMEOUT", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	for level, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		cfg := &Config{LogLevel: level}
		if got := cfg.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", level, got, want)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("FEE_RATE=0.002\nPORT=7070\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "6060") // already set; the file must not override it

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.FeeRate.Equal(decimal.RequireFromString("0.002")) {
		t.Errorf("FeeRate = %s, want 0.002 from file", cfg.FeeRate)
	}
	if cfg.Port != 6060 {
		t.Errorf("Port = %d, want the pre-set 6060", cfg.Port)
	}
}

func TestLoadEnvFile_Missing(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}
}
