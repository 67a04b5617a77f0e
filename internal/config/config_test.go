package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ModeLive, cfg.Mode)
	assert.Equal(t, "* * * * *", cfg.Schedule)
	assert.Equal(t, RegistryFile, cfg.Registry)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	assert.Equal(t, time.Minute, cfg.CycleTimeout)
	assert.Equal(t, 4, cfg.MaxConcurrentTargets)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	path := writeConfig(t, `
mode: once
registry: inline
default_exchange: paper
call_timeout: 3s
cycle_timeout: 30s
rate_limit: 2.5
wallex_api_key: from-file
paper_prices:
  BTC/USDT: { price: "100", min_order_size: "0.01" }
paper_balances:
  BTC: 1.5
targets:
  - name: btc
    market: BTC/USDT
    target_cost: 1000
    target_rate: 0.5
    enabled: true
`)
	t.Setenv("WALLEX_API_KEY", "from-env")

	cfg, err := Load([]string{"-config", path, "-max-concurrent", "8", "-exchange", "binance", "-cycle-timeout", "45s"})
	require.NoError(t, err)

	assert.Equal(t, ModeOnce, cfg.Mode)
	assert.Equal(t, RegistryInline, cfg.Registry)
	assert.Equal(t, 3*time.Second, cfg.CallTimeout)
	assert.Equal(t, 45*time.Second, cfg.CycleTimeout)
	assert.Equal(t, 2.5, cfg.RateLimit)
	assert.Equal(t, "from-env", cfg.WallexAPIKey)
	assert.Equal(t, 8, cfg.MaxConcurrentTargets)
	assert.Equal(t, "binance", cfg.DefaultExchange)

	require.Contains(t, cfg.PaperPrices, "BTC/USDT")
	assert.True(t, decimal.NewFromInt(100).Equal(cfg.PaperPrices["BTC/USDT"].Price))
	assert.True(t, decimal.RequireFromString("1.5").Equal(cfg.PaperBalances["BTC"]))

	require.Len(t, cfg.Targets, 1)
	assert.Equal(t, "btc", cfg.Targets[0].Name)
	assert.NoError(t, cfg.Targets[0].Validate())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		args []string
	}{
		{"unknown mode", "mode: backtest\n", nil},
		{"postgres without dsn", "registry: postgres\n", nil},
		{"unknown registry", "registry: consul\n", nil},
		{"bad log level", "log_level: loud\n", nil},
		{"broken yaml", "mode: [\n", nil},
		{"unknown flag", "", []string{"-nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DB_CONN_STR", "")
			args := append([]string{"-config", writeConfig(t, tt.body)}, tt.args...)
			_, err := Load(args)
			assert.Error(t, err)
		})
	}
}

func TestValidate_Errors(t *testing.T) {
	cfg := defaults()
	cfg.CallTimeout = 0
	assert.ErrorIs(t, cfg.Validate(), rebalance.ErrConfiguration)

	cfg = defaults()
	cfg.CycleTimeout = -time.Second
	assert.ErrorIs(t, cfg.Validate(), rebalance.ErrConfiguration)

	cfg = defaults()
	cfg.RateLimit = -1
	assert.ErrorIs(t, cfg.Validate(), rebalance.ErrConfiguration)
}
