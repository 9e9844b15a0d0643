package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading engine.
type Config struct {
	Port string

	// Database
	DBPath string

	// Signal pipeline
	MinConfidenceThreshold float64
	MaxRetryAttempts       int
	ConsumerWorkers        int
	SignalWALPath          string

	// Order execution
	OrderRetryAttempts     int
	OrderRetryDelay        time.Duration
	PriceSlippageTolerance float64 // percent
	EnableDryRunFallback   bool
	DryRunPriceMaxAge      time.Duration
	ExchangeCallTimeout    time.Duration
	DryRun                 bool // route every order to the shared paper gateway

	// Risk limits (per-user defaults)
	MaxPositionSizePercent float64
	MaxPositionSizeUSD     float64
	MaxDailyLossPercent    float64
	MaxOpenPositions       int
	MaxLeverage            float64
	RequireStopLoss        bool
	DefaultSizeUSD         float64

	// Position management
	StopLossPercent   float64 // offset from entry, percent
	TakeProfitPercent float64
	VolatilityBand    float64 // sigma band for risk levels, percent

	// Market data
	MarketDataURL string
	UseMockFeed   bool
	Symbols       []string

	// Auth / API
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the engine still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:   getEnv("PORT", "8081"),
		DBPath: getEnv("DB_PATH", "./data/engine.db"),

		MinConfidenceThreshold: getEnvFloat("MIN_CONFIDENCE_THRESHOLD", 0.7),
		MaxRetryAttempts:       getEnvInt("MAX_RETRY_ATTEMPTS", 3),
		ConsumerWorkers:        getEnvInt("CONSUMER_WORKERS", 4),
		SignalWALPath:          getEnv("SIGNAL_WAL_PATH", "./data/signal_wal"),

		OrderRetryAttempts:     getEnvInt("ORDER_RETRY_ATTEMPTS", 3),
		OrderRetryDelay:        time.Duration(getEnvInt("ORDER_RETRY_DELAY_MS", 1000)) * time.Millisecond,
		PriceSlippageTolerance: getEnvFloat("PRICE_SLIPPAGE_TOLERANCE", 0.5),
		EnableDryRunFallback:   getEnvBool("ENABLE_DRY_RUN_FALLBACK", true),
		DryRunPriceMaxAge:      time.Duration(getEnvInt("DRY_RUN_PRICE_MAX_AGE_MS", 5000)) * time.Millisecond,
		ExchangeCallTimeout:    time.Duration(getEnvInt("EXCHANGE_CALL_TIMEOUT_MS", 10000)) * time.Millisecond,
		DryRun:                 getEnvBool("DRY_RUN", false),

		MaxPositionSizePercent: getEnvFloat("MAX_POSITION_SIZE_PERCENT", 10),
		MaxPositionSizeUSD:     getEnvFloat("MAX_POSITION_SIZE_USD", 10000),
		MaxDailyLossPercent:    getEnvFloat("MAX_DAILY_LOSS_PERCENT", 5),
		MaxOpenPositions:       getEnvInt("MAX_OPEN_POSITIONS", 10),
		MaxLeverage:            getEnvFloat("MAX_LEVERAGE", 3),
		RequireStopLoss:        getEnvBool("REQUIRE_STOP_LOSS", true),
		DefaultSizeUSD:         getEnvFloat("DEFAULT_POSITION_SIZE_USD", 1000),

		StopLossPercent:   getEnvFloat("STOP_LOSS_PERCENT", 2),
		TakeProfitPercent: getEnvFloat("TAKE_PROFIT_PERCENT", 5),
		VolatilityBand:    getEnvFloat("VOLATILITY_BAND_PERCENT", 1),

		MarketDataURL: getEnv("MARKET_DATA_URL", ""),
		UseMockFeed:   getEnvBool("USE_MOCK_FEED", true),
		Symbols:       splitAndTrim(getEnv("SYMBOLS", "BTC/USDT,ETH/USDT")),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
