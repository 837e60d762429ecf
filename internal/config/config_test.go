package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-lending/internal/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	p, err := cfg.Product(DefaultProductCode)
	require.NoError(t, err)
	assert.True(t, p.MarginCallThreshold.Equal(decimal.NewFromInt(60)))
	assert.True(t, p.LiquidationThreshold.Equal(decimal.NewFromInt(70)))
	assert.Equal(t, 72*time.Hour, p.MarginCallSLA)
	assert.True(t, cfg.Bands().Elevated.Equal(decimal.NewFromInt(55)))
	assert.Equal(t, 8, cfg.Sweep.Workers)
}

func TestLoad_ProductsFromYAML(t *testing.T) {
	path := writeConfig(t, `
sweep:
  workers: 3
  timeout: 2m
ltv_bands:
  moderate: 35
  elevated: 50
  high: 60
products:
  LAS-DEBT:
    max_ltv_percent: 75
    margin_call_threshold: 80
    liquidation_threshold: 85
    margin_call_sla_hours: 48
    foreclosure_charge_percent: 1.5
    processing_fee: 500
    tax_rate: 18
    taxable: true
    daily_penal_rate: 0.0006
    penal_multiplier: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Sweep.Workers)
	assert.Equal(t, 2*time.Minute, cfg.Sweep.Timeout)
	assert.Equal(t, []string{"LAS-DEBT"}, cfg.ProductCodes())

	p, err := cfg.Product("LAS-DEBT")
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, p.MarginCallSLA)
	assert.True(t, p.Charges.ForeclosureChargePercent.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, p.Charges.PenalMultiplier.Equal(decimal.NewFromInt(2)))
	assert.True(t, cfg.Bands().Moderate.Equal(decimal.NewFromInt(35)))

	_, err = cfg.Product(DefaultProductCode)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestLoad_RejectsInvertedThresholds(t *testing.T) {
	path := writeConfig(t, `
products:
  BAD:
    max_ltv_percent: 50
    margin_call_threshold: 70
    liquidation_threshold: 60
    margin_call_sla_hours: 24
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsUnorderedBands(t *testing.T) {
	path := writeConfig(t, `
ltv_bands:
  moderate: 55
  elevated: 40
  high: 65
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SWEEP_WORKERS", "16")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 16, cfg.Sweep.Workers)
}

func TestLoad_ExampleConfig(t *testing.T) {
	for _, k := range []string{"PORT", "ENV", "DATABASE_PATH", "JWT_SECRET", "REDIS_ADDR", "KAFKA_BROKERS", "REVALUATION_CRON", "SWEEP_WORKERS"} {
		t.Setenv(k, "")
	}

	cfg, err := Load(filepath.Join("..", "..", "config.example.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"LAS-DEBT", "LAS-MF"}, cfg.ProductCodes())
	assert.Equal(t, time.Minute, cfg.Schedule.DueCallInterval)
	assert.Equal(t, 96*time.Hour, cfg.Valuation.MaxNAVAge)
	assert.Empty(t, cfg.Kafka.Brokers)

	debt, err := cfg.Product("LAS-DEBT")
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, debt.MarginCallSLA)
	assert.True(t, debt.Charges.PenalMultiplier.Equal(decimal.NewFromFloat(1.5)))
}
