package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ymiyake/flyerbot/config"
	"github.com/ymiyake/flyerbot/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
products:
  - code: ETH_JPY
    short:
      enabled: true
      cycles:
        daily:
          enabled: true
          sell_rate: 1.05
`

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Minute, cfg.TickInterval())
	assert.Equal(t, "https://api.bitflyer.com", cfg.Exchange.BaseURL)
	assert.Equal(t, "Asia/Tokyo", cfg.Exchange.Timezone)
	assert.Equal(t, "csv", cfg.Storage.Backend)
	assert.Equal(t, "info", cfg.Log.Level)

	short := cfg.Products[0].Term(domain.TermShort)
	require.NotNil(t, short)
	assert.InDelta(t, 0.75, short.MaxBuyPriceRate, 1e-9)
	assert.InDelta(t, 0.01, short.MinRewardRate, 1e-9)
	assert.InDelta(t, 0.03, short.MinLocalPriceGapRate, 1e-9)

	assert.Nil(t, cfg.Products[0].Term(domain.TermLong))
}

func TestLoad_LongTermDefaultIsStricter(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
products:
  - code: ETH_JPY
    long:
      enabled: true
      cycles:
        monthly:
          enabled: true
`))
	require.NoError(t, err)

	long := cfg.Products[0].Term(domain.TermLong)
	require.NotNil(t, long)
	assert.InDelta(t, 0.70, long.MaxBuyPriceRate, 1e-9)
}

func TestLoad_CredentialsComeFromEnvOnly(t *testing.T) {
	t.Setenv("API_KEY", "k-from-env")
	t.Setenv("API_SECRET", "s-from-env")

	cfg, err := config.Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "k-from-env", cfg.Exchange.APIKey)
	assert.Equal(t, "s-from-env", cfg.Exchange.APISecret)
}

func TestLoad_RejectsBadBackend(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
storage:
  backend: redis
products:
  - code: ETH_JPY
`))
	assert.Error(t, err)
}

func TestLoad_RejectsEmptyProducts(t *testing.T) {
	_, err := config.Load(writeConfig(t, `interval_seconds: 60`))
	assert.Error(t, err)
}

func TestLoad_RejectsMaxBuyRateAboveOne(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
products:
  - code: ETH_JPY
    short:
      enabled: true
      max_buy_price_rate: 1.2
`))
	assert.Error(t, err)
}

func TestLoad_RejectsShortCycleWithoutSellLeg(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
products:
  - code: ETH_JPY
    short:
      enabled: true
      cycles:
        daily:
          enabled: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sell_rate or sell_price")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
