package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the pulse service.
type Config struct {
	Environment     string
	Addr            string
	DatabaseURL     string
	MigrationsDir   string
	JWTSecret       string
	IngestToken     string
	TokenTTL        time.Duration
	RollupBucket    time.Duration
	RollupFlush     time.Duration
	RetentionDays   int
	RetentionSweep  time.Duration
	RateRedisAddr   string
	RateRedisPass   string
	RateRedisDB     int
	QueryWindowMax  time.Duration
	ShutdownTimeout time.Duration
}

// Load constructs a Config from environment variables.
func Load() Config {
	return Config{
		Environment:     GetString("APP_ENV", "development"),
		Addr:            GetString("PULSE_ADDR", ":4600"),
		DatabaseURL:     GetString("DATABASE_URL", "postgres://pulse:pulse@db:5432/pulse?sslmode=disable"),
		MigrationsDir:   GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:       GetString("JWT_SECRET", "supersecuresecret"),
		IngestToken:     GetString("INGEST_TOKEN", ""),
		TokenTTL:        time.Duration(GetInt("TOKEN_TTL_HOURS", 12)) * time.Hour,
		RollupBucket:    time.Duration(GetInt("ROLLUP_BUCKET_SECONDS", 60)) * time.Second,
		RollupFlush:     time.Duration(GetInt("ROLLUP_FLUSH_SECONDS", 30)) * time.Second,
		RetentionDays:   GetInt("PULSE_RETENTION_DAYS", 30),
		RetentionSweep:  time.Duration(GetInt("RETENTION_SWEEP_HOURS", 6)) * time.Hour,
		RateRedisAddr:   GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateRedisPass:   GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateRedisDB:     GetInt("RATE_LIMIT_REDIS_DB", 0),
		QueryWindowMax:  time.Duration(GetInt("QUERY_WINDOW_MAX_HOURS", 168)) * time.Hour,
		ShutdownTimeout: time.Duration(GetInt("SHUTDOWN_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}
