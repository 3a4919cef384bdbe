package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the feed service configuration read from the environment.
type Config struct {
	// DatabaseURL empty selects the in-memory store (refused in production).
	DatabaseURL    string
	MigrateOnStart bool
	// RedisURL empty selects the in-process cache backend.
	RedisURL  string
	NATSURL   string
	JWTSecret string

	CacheTTL        time.Duration
	CacheStaleGrace time.Duration
	CacheMaxEntries int
	ComputeTimeout  time.Duration

	WindowSize   int
	PoolSize     int
	DefaultLimit int
	MaxLimit     int
	SeenLookback time.Duration
	FreshMaxAge  time.Duration

	CBMaxRequests      uint32
	CBInterval         time.Duration
	CBTimeout          time.Duration
	CBFailureThreshold uint32

	RateLimitRPS   float64
	RateLimitBurst int

	// InteractionsConsumer enables the JetStream consumer on remote interaction events.
	InteractionsConsumer bool
	InteractionsSubject  string
	InteractionsDurable  string
}

func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		MigrateOnStart:       envBool("MIGRATE_ON_START", false),
		RedisURL:             strings.TrimSpace(os.Getenv("REDIS_URL")),
		NATSURL:              strings.TrimSpace(os.Getenv("NATS_URL")),
		JWTSecret:            strings.TrimSpace(os.Getenv("JWT_SECRET")),
		CacheTTL:             envDuration("FEED_CACHE_TTL", 2*time.Minute),
		CacheStaleGrace:      envDuration("FEED_CACHE_STALE_GRACE", 10*time.Minute),
		CacheMaxEntries:      envInt("FEED_CACHE_MAX_ENTRIES", 10000),
		ComputeTimeout:       envDuration("FEED_COMPUTE_TIMEOUT", 3*time.Second),
		WindowSize:           envInt("FEED_WINDOW_SIZE", 200),
		PoolSize:             envInt("FEED_POOL_SIZE", 1000),
		DefaultLimit:         envInt("FEED_DEFAULT_LIMIT", 20),
		MaxLimit:             envInt("FEED_MAX_LIMIT", 50),
		SeenLookback:         envDuration("FEED_SEEN_LOOKBACK", 72*time.Hour),
		FreshMaxAge:          envDuration("FEED_FRESH_MAX_AGE", 7*24*time.Hour),
		CBMaxRequests:        uint32(envInt("CB_MAX_REQUESTS", 5)),
		CBInterval:           envDuration("CB_INTERVAL", 60*time.Second),
		CBTimeout:            envDuration("CB_TIMEOUT", 30*time.Second),
		CBFailureThreshold:   uint32(envInt("CB_FAILURE_THRESHOLD", 5)),
		RateLimitRPS:         envFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:       envInt("RATE_LIMIT_BURST", 40),
		InteractionsConsumer: envBool("FEED_INTERACTIONS_CONSUMER", true),
		InteractionsSubject:  envString("FEED_INTERACTIONS_SUBJECT", "engagement.interactions.>"),
		InteractionsDurable:  envString("FEED_INTERACTIONS_DURABLE", "feed_cache_invalidator"),
	}
	if cfg.JWTSecret == "" {
		return Config{}, errors.New("JWT_SECRET is required")
	}
	if cfg.DefaultLimit > cfg.MaxLimit {
		return Config{}, errors.New("FEED_DEFAULT_LIMIT must not exceed FEED_MAX_LIMIT")
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}
