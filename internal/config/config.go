// Package config loads engine configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all tunable settings for the prediction engine.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	// FeeBips is the trading fee in basis points (250 = 2.5%).
	FeeBips int64
	// CreatorFeeShareBips is the share of the fee accrued to the market
	// creator, in basis points of the fee itself (5000 = half).
	CreatorFeeShareBips int64

	// DefaultB is the default LMSR liquidity parameter in micro-units,
	// applied when a market is created without one.
	DefaultB int64

	// QueueTimeout bounds how long a trade waits for its execution slot.
	QueueTimeout time.Duration

	// CacheTTL is the read-through cache expiry for market and option reads.
	CacheTTL time.Duration

	// EventStream is the Redis Stream trade events are appended to.
	// Empty disables stream publishing.
	EventStream string
}

// Load reads configuration from environment variables, applying defaults
// for anything unset.
func Load() *Config {
	return &Config{
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		RedisURL:            getEnv("REDIS_URL", ""),
		FeeBips:             getEnvInt64("FEE_BIPS", 250),
		CreatorFeeShareBips: getEnvInt64("CREATOR_FEE_SHARE_BIPS", 5000),
		DefaultB:            getEnvInt64("DEFAULT_LIQUIDITY_MICROS", 100_000_000),
		QueueTimeout:        getEnvDuration("QUEUE_TIMEOUT", 10*time.Second),
		CacheTTL:            getEnvDuration("CACHE_TTL", 30*time.Second),
		EventStream:         getEnv("EVENT_STREAM", "engine:events"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
