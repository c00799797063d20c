package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BROKER_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.DevMode)
	assert.Equal(t, 15*time.Second, cfg.SweepInterval)
	assert.Equal(t, 5, cfg.SettleRetries)
	assert.Equal(t, 30*time.Second, cfg.QuoteTTL)
	assert.Equal(t, 5*time.Second, cfg.StreamInterval)
	assert.True(t, decimal.RequireFromString("10000.00").Equal(cfg.OpeningCash))
	assert.True(t, filepath.IsAbs(cfg.DataDir))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BROKER_DATA_DIR", t.TempDir())
	t.Setenv("BROKER_PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEV_MODE", "true")
	t.Setenv("BROKER_SWEEP_SECONDS", "5")
	t.Setenv("BROKER_SETTLE_RETRIES", "3")
	t.Setenv("BROKER_OPENING_CASH", "2500.50")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 3, cfg.SettleRetries)
	assert.True(t, decimal.RequireFromString("2500.50").Equal(cfg.OpeningCash))
}

func TestLoad_RejectsBadOpeningCash(t *testing.T) {
	t.Setenv("BROKER_DATA_DIR", t.TempDir())

	t.Setenv("BROKER_OPENING_CASH", "lots")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("BROKER_OPENING_CASH", "-5")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_RejectsNonPositiveIntervals(t *testing.T) {
	t.Setenv("BROKER_DATA_DIR", t.TempDir())

	t.Setenv("BROKER_SWEEP_SECONDS", "0")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("BROKER_SWEEP_SECONDS", "15")
	t.Setenv("BROKER_SETTLE_RETRIES", "0")
	_, err = Load()
	assert.Error(t, err)
}
