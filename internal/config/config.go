// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds application configuration
type Config struct {
	DataDir        string // Base directory for the ledger database (always absolute)
	MarketDataPath string // YAML seed file for the simulated price feed
	Port           int
	LogLevel       string
	DevMode        bool

	SweepInterval  time.Duration   // How often pending limit orders are re-evaluated
	SettleRetries  int             // Optimistic retry budget for one settlement
	QuoteTTL       time.Duration   // Freshness window for cached quotes
	StreamInterval time.Duration   // Push cadence for the price stream
	OpeningCash    decimal.Decimal // Default cash balance for new portfolios
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("BROKER_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	openingCash, err := decimal.NewFromString(getEnv("BROKER_OPENING_CASH", "10000.00"))
	if err != nil {
		return nil, fmt.Errorf("invalid BROKER_OPENING_CASH: %w", err)
	}
	if openingCash.IsNegative() {
		return nil, fmt.Errorf("BROKER_OPENING_CASH must not be negative")
	}

	cfg := &Config{
		DataDir:        absDataDir,
		MarketDataPath: getEnv("BROKER_MARKET_DATA", filepath.Join(absDataDir, "market.yaml")),
		Port:           getEnvAsInt("BROKER_PORT", 8080),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DevMode:        getEnvAsBool("DEV_MODE", false),
		SweepInterval:  time.Duration(getEnvAsInt("BROKER_SWEEP_SECONDS", 15)) * time.Second,
		SettleRetries:  getEnvAsInt("BROKER_SETTLE_RETRIES", 5),
		QuoteTTL:       time.Duration(getEnvAsInt("BROKER_QUOTE_TTL_SECONDS", 30)) * time.Second,
		StreamInterval: time.Duration(getEnvAsInt("BROKER_STREAM_SECONDS", 5)) * time.Second,
		OpeningCash:    openingCash,
	}

	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("BROKER_SWEEP_SECONDS must be positive")
	}
	if cfg.SettleRetries <= 0 {
		return nil, fmt.Errorf("BROKER_SETTLE_RETRIES must be positive")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if unset or empty
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvAsInt retrieves an environment variable as an integer
func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvAsBool retrieves an environment variable as a boolean
func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
