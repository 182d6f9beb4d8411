package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the fan-out engine.
type Config struct {
	Port string

	// Database
	DBPath string

	// Execution service
	ExecutionBaseURL   string
	ExecutionStreamURL string
	ExecutionTimeout   time.Duration
	ExecutionRateLimit float64 // requests per second
	ExecutionBurst     int

	// Locks
	LockTTL time.Duration

	// Equity monitor
	EquityInterval time.Duration

	// Margin model
	DefaultLeverage float64

	// Allocation policy: when true, an instruction whose every participant is
	// rejected by zero-allocation-after-rounding fails as a whole.
	ZeroAllocationFails bool

	// Instrument catalog (YAML)
	InstrumentsPath string

	// Auth
	JWTSecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		DBPath:              getEnv("DB_PATH", "./data/pamm.db"),
		ExecutionBaseURL:    getEnv("EXECUTION_BASE_URL", "http://localhost:9090"),
		ExecutionStreamURL:  getEnv("EXECUTION_STREAM_URL", "ws://localhost:9090/stream"),
		ExecutionTimeout:    getEnvDuration("EXECUTION_TIMEOUT_MS", 5000) * time.Millisecond,
		ExecutionRateLimit:  getEnvFloat("EXECUTION_RATE_LIMIT", 50),
		ExecutionBurst:      getEnvInt("EXECUTION_BURST", 100),
		LockTTL:             getEnvDuration("LOCK_TTL_MS", 30000) * time.Millisecond,
		EquityInterval:      getEnvDuration("EQUITY_INTERVAL_MS", 500) * time.Millisecond,
		DefaultLeverage:     getEnvFloat("DEFAULT_LEVERAGE", 100),
		ZeroAllocationFails: getEnv("ZERO_ALLOCATION_FAILS", "false") == "true",
		InstrumentsPath:     getEnv("INSTRUMENTS_PATH", "./config/instruments.yaml"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs))
}
