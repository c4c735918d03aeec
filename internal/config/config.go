package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the engine
type Config struct {
	// Persistence
	DatabaseURL         string
	RedisURL            string
	CacheTradesLimit    int
	StoreConnectTimeout time.Duration
	HealthProbeInterval time.Duration

	// HTTP
	ListenAddr    string
	DefaultUserID uint

	// Exchange
	Testnet            bool
	ExchangeBaseURL    string // optional override, testnet/mainnet derived otherwise
	ExchangeWSURL      string
	KlineStreamEnabled bool

	// Engine
	FeeRate                 decimal.Decimal
	MaxConcurrentStrategies int
	ReaperInterval          time.Duration
	PartialFillThreshold    decimal.Decimal

	// Risk windows
	RiskTimezone   string
	DailyResetHour int
	WeeklyResetDay int // 1=Monday .. 7=Sunday

	// Notifications
	PnLAlertProfit decimal.Decimal
	PnLAlertLoss   decimal.Decimal
	TelegramToken  string
	TelegramChatID int64

	// Mode
	Debug bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		// Persistence
		DatabaseURL:         getEnv("DATABASE_URL", "data/engine.db"),
		RedisURL:            os.Getenv("REDIS_URL"),
		CacheTradesLimit:    getEnvInt("CACHE_TRADES_LIMIT", 200),
		StoreConnectTimeout: getEnvDuration("STORE_CONNECT_TIMEOUT", 120*time.Second),
		HealthProbeInterval: getEnvDuration("HEALTH_PROBE_INTERVAL", 30*time.Second),

		// HTTP
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		DefaultUserID: uint(getEnvInt("DEFAULT_USER_ID", 1)),

		// Exchange
		Testnet:            getEnvBool("EXCHANGE_TESTNET", false),
		ExchangeBaseURL:    os.Getenv("EXCHANGE_BASE_URL"),
		ExchangeWSURL:      os.Getenv("EXCHANGE_WS_URL"),
		KlineStreamEnabled: getEnvBool("KLINE_STREAM_ENABLED", false),

		// Engine
		FeeRate:                 getEnvDecimal("FEE_RATE", decimal.NewFromFloat(0.0004)), // 0.04% per side
		MaxConcurrentStrategies: getEnvInt("MAX_CONCURRENT_STRATEGIES", 20),
		ReaperInterval:          getEnvDuration("REAPER_INTERVAL", 5*time.Minute),
		PartialFillThreshold:    getEnvDecimal("PARTIAL_FILL_THRESHOLD", decimal.NewFromFloat(0.95)),

		// Risk windows
		RiskTimezone:   getEnv("RISK_TIMEZONE", "UTC"),
		DailyResetHour: getEnvInt("DAILY_RESET_HOUR", 0),
		WeeklyResetDay: getEnvInt("WEEKLY_RESET_DAY", 1),

		// Notifications
		PnLAlertProfit: getEnvDecimal("PNL_ALERT_PROFIT", decimal.NewFromInt(50)),
		PnLAlertLoss:   getEnvDecimal("PNL_ALERT_LOSS", decimal.NewFromInt(50)),
		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),

		// Mode
		Debug: getEnvBool("DEBUG", false),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	// Validate
	if _, err := time.LoadLocation(cfg.RiskTimezone); err != nil {
		return nil, fmt.Errorf("invalid RISK_TIMEZONE %q: %w", cfg.RiskTimezone, err)
	}
	if cfg.DailyResetHour < 0 || cfg.DailyResetHour > 23 {
		return nil, fmt.Errorf("DAILY_RESET_HOUR must be 0-23, got %d", cfg.DailyResetHour)
	}
	if cfg.WeeklyResetDay < 1 || cfg.WeeklyResetDay > 7 {
		return nil, fmt.Errorf("WEEKLY_RESET_DAY must be 1-7, got %d", cfg.WeeklyResetDay)
	}
	if cfg.PartialFillThreshold.LessThanOrEqual(decimal.Zero) || cfg.PartialFillThreshold.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("PARTIAL_FILL_THRESHOLD must be in (0,1], got %s", cfg.PartialFillThreshold)
	}
	if cfg.MaxConcurrentStrategies < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_STRATEGIES must be >= 1, got %d", cfg.MaxConcurrentStrategies)
	}

	return cfg, nil
}

// Location returns the parsed risk timezone. Load already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.RiskTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
