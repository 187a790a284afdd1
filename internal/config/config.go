package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds shared runtime configuration for the batch engine service.
type Config struct {
	Env      string
	HTTPPort string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PostgresDSN enables the batch journal; empty runs without persistence.
	PostgresDSN string

	UpstreamURL     string
	UpstreamAPIKey  string
	UpstreamModel   string
	UpstreamTimeout time.Duration

	ItemTimeout    time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	BreakerThreshold int
	BreakerCoolDown  time.Duration

	CacheTTL           time.Duration
	CacheSweepInterval time.Duration
	FingerprintPrefix  int

	QuotaSafetyBuffer     int
	QuotaRateCeiling      float64
	QuotaFullCost         int
	QuotaCheapCost        int
	QuotaDefaultBatchSize int

	// S3Region enables the s3:// payload resolver; empty keeps payloads inline-only.
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	SubmitRateCapacity int
	SubmitRefillPerSec float64

	DefaultProfile       string
	RequeueFailedAtFront bool
}

// Load reads configuration from the environment (and an optional .env file)
// with sane defaults for local development.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		UpstreamURL:     getEnv("UPSTREAM_URL", "http://localhost:11434"),
		UpstreamAPIKey:  getEnv("UPSTREAM_API_KEY", ""),
		UpstreamModel:   getEnv("UPSTREAM_MODEL", "gpt-4o-mini"),
		UpstreamTimeout: getEnvDuration("UPSTREAM_TIMEOUT", 60*time.Second),

		ItemTimeout:    getEnvDuration("ITEM_TIMEOUT", 30*time.Second),
		MaxAttempts:    getEnvInt("MAX_ATTEMPTS", 3),
		BackoffInitial: getEnvDuration("BACKOFF_INITIAL", time.Second),
		BackoffMax:     getEnvDuration("BACKOFF_MAX", 30*time.Second),

		BreakerThreshold: getEnvInt("BREAKER_THRESHOLD", 5),
		BreakerCoolDown:  getEnvDuration("BREAKER_COOLDOWN", time.Minute),

		CacheTTL:           getEnvDuration("CACHE_TTL", 24*time.Hour),
		CacheSweepInterval: getEnvDuration("CACHE_SWEEP_INTERVAL", time.Hour),
		FingerprintPrefix:  getEnvInt("FINGERPRINT_PREFIX_BYTES", 0),

		QuotaSafetyBuffer:     getEnvInt("QUOTA_SAFETY_BUFFER", 2),
		QuotaRateCeiling:      getEnvFloat("QUOTA_RATE_CEILING_PER_MIN", 60),
		QuotaFullCost:         getEnvInt("QUOTA_FULL_COST", 1000),
		QuotaCheapCost:        getEnvInt("QUOTA_CHEAP_COST", 300),
		QuotaDefaultBatchSize: getEnvInt("QUOTA_DEFAULT_BATCH_SIZE", 8),

		S3Region:    getEnv("S3_REGION", ""),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3PathStyle: getEnvBool("S3_PATH_STYLE", false),

		SubmitRateCapacity: getEnvInt("SUBMIT_RATE_CAPACITY", 500),
		SubmitRefillPerSec: getEnvFloat("SUBMIT_REFILL_PER_SEC", 5),

		DefaultProfile:       getEnv("DEFAULT_PROFILE", "balanced"),
		RequeueFailedAtFront: getEnvBool("REQUEUE_FAILED_AT_FRONT", false),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
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

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
