package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"DATABASE_URL", "REDIS_URL", "CACHE_TRADES_LIMIT", "STORE_CONNECT_TIMEOUT",
	"HEALTH_PROBE_INTERVAL", "LISTEN_ADDR", "DEFAULT_USER_ID",
	"EXCHANGE_TESTNET", "EXCHANGE_BASE_URL", "EXCHANGE_WS_URL", "KLINE_STREAM_ENABLED",
	"FEE_RATE", "MAX_CONCURRENT_STRATEGIES", "REAPER_INTERVAL", "PARTIAL_FILL_THRESHOLD",
	"RISK_TIMEZONE", "DAILY_RESET_HOUR", "WEEKLY_RESET_DAY",
	"PNL_ALERT_PROFIT", "PNL_ALERT_LOSS", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID",
	"DEBUG",
}

// clearEnv blanks every variable Load reads so ambient CI configuration
// cannot leak into assertions. t.Setenv restores the originals.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "data/engine.db", cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, 200, cfg.CacheTradesLimit)
	assert.Equal(t, 120*time.Second, cfg.StoreConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.HealthProbeInterval)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, uint(1), cfg.DefaultUserID)

	assert.False(t, cfg.Testnet)
	assert.False(t, cfg.KlineStreamEnabled)

	assert.True(t, cfg.FeeRate.Equal(decimal.NewFromFloat(0.0004)), "fee %s", cfg.FeeRate)
	assert.Equal(t, 20, cfg.MaxConcurrentStrategies)
	assert.Equal(t, 5*time.Minute, cfg.ReaperInterval)
	assert.True(t, cfg.PartialFillThreshold.Equal(decimal.NewFromFloat(0.95)))

	assert.Equal(t, "UTC", cfg.RiskTimezone)
	assert.Zero(t, cfg.DailyResetHour)
	assert.Equal(t, 1, cfg.WeeklyResetDay)

	assert.True(t, cfg.PnLAlertProfit.Equal(decimal.NewFromInt(50)))
	assert.True(t, cfg.PnLAlertLoss.Equal(decimal.NewFromInt(50)))
	assert.Zero(t, cfg.TelegramChatID)
	assert.False(t, cfg.Debug)

	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://engine:secret@db/engine")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("CACHE_TRADES_LIMIT", "50")
	t.Setenv("STORE_CONNECT_TIMEOUT", "5s")
	t.Setenv("HEALTH_PROBE_INTERVAL", "10s")
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("DEFAULT_USER_ID", "7")
	t.Setenv("EXCHANGE_TESTNET", "1")
	t.Setenv("EXCHANGE_BASE_URL", "https://testnet.example.com")
	t.Setenv("KLINE_STREAM_ENABLED", "yes")
	t.Setenv("FEE_RATE", "0.0002")
	t.Setenv("MAX_CONCURRENT_STRATEGIES", "3")
	t.Setenv("REAPER_INTERVAL", "1m")
	t.Setenv("PARTIAL_FILL_THRESHOLD", "0.9")
	t.Setenv("DAILY_RESET_HOUR", "13")
	t.Setenv("WEEKLY_RESET_DAY", "7")
	t.Setenv("PNL_ALERT_PROFIT", "75")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "-100123456")
	t.Setenv("DEBUG", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://engine:secret@db/engine", cfg.DatabaseURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 50, cfg.CacheTradesLimit)
	assert.Equal(t, 5*time.Second, cfg.StoreConnectTimeout)
	assert.Equal(t, 10*time.Second, cfg.HealthProbeInterval)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, uint(7), cfg.DefaultUserID)
	assert.True(t, cfg.Testnet, `"1" counts as true`)
	assert.Equal(t, "https://testnet.example.com", cfg.ExchangeBaseURL)
	assert.True(t, cfg.KlineStreamEnabled, `"yes" counts as true`)
	assert.True(t, cfg.FeeRate.Equal(decimal.NewFromFloat(0.0002)))
	assert.Equal(t, 3, cfg.MaxConcurrentStrategies)
	assert.Equal(t, time.Minute, cfg.ReaperInterval)
	assert.True(t, cfg.PartialFillThreshold.Equal(decimal.NewFromFloat(0.9)))
	assert.Equal(t, 13, cfg.DailyResetHour)
	assert.Equal(t, 7, cfg.WeeklyResetDay)
	assert.True(t, cfg.PnLAlertProfit.Equal(decimal.NewFromInt(75)))
	assert.Equal(t, "123:abc", cfg.TelegramToken)
	assert.Equal(t, int64(-100123456), cfg.TelegramChatID)
	assert.True(t, cfg.Debug)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		key     string
		value   string
		wantMsg string
	}{
		{"chat id not numeric", "TELEGRAM_CHAT_ID", "abc", "TELEGRAM_CHAT_ID"},
		{"unknown timezone", "RISK_TIMEZONE", "Not/AZone", "RISK_TIMEZONE"},
		{"reset hour too large", "DAILY_RESET_HOUR", "24", "DAILY_RESET_HOUR"},
		{"weekly day zero", "WEEKLY_RESET_DAY", "0", "WEEKLY_RESET_DAY"},
		{"fill threshold zero", "PARTIAL_FILL_THRESHOLD", "0", "PARTIAL_FILL_THRESHOLD"},
		{"fill threshold above one", "PARTIAL_FILL_THRESHOLD", "1.5", "PARTIAL_FILL_THRESHOLD"},
		{"no strategy slots", "MAX_CONCURRENT_STRATEGIES", "0", "MAX_CONCURRENT_STRATEGIES"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestMalformedValuesFallBackToDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("FEE_RATE", "not-a-number")
	t.Setenv("MAX_CONCURRENT_STRATEGIES", "lots")
	t.Setenv("STORE_CONNECT_TIMEOUT", "soon")
	t.Setenv("EXCHANGE_TESTNET", "banana")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.FeeRate.Equal(decimal.NewFromFloat(0.0004)))
	assert.Equal(t, 20, cfg.MaxConcurrentStrategies)
	assert.Equal(t, 120*time.Second, cfg.StoreConnectTimeout)
	assert.False(t, cfg.Testnet, "unrecognized boolean reads as false")
}
