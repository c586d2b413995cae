// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings. RPC_URL empty = chain watcher disabled.
	RPCURL            string
	ChainID           int64
	RegistryContract  string
	OracleContract    string
	PermissionManager string
	PollInterval      time.Duration
	StartBlock        uint64

	// Query cache
	CacheTTL     time.Duration
	CacheMaxSize int

	// Query rate limiting (token bucket)
	BucketCapacity int
	RefillRate     float64
	WaitTimeout    time.Duration

	// Query retries
	RetryMaxAttempts int
	RetryBase        time.Duration
	RetryCap         time.Duration

	// Circuit breaker
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// UseFallback serves last-known-good data when the breaker is open.
	UseFallback bool

	// SeedPatterns loads the built-in pattern catalog at startup.
	SeedPatterns bool

	// HTTP rate limiting (per client IP)
	RateLimitRPM   int
	RateLimitBurst int

	// Tracing
	OTLPEndpoint string // empty = tracing disabled
}

// Sepolia defaults
const (
	DefaultChainID        = 11155111 // Sepolia
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultRateLimitRPM   = 120
	DefaultRateLimitBurst = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:            os.Getenv("RPC_URL"),      // Optional, disables the watcher if not set
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		RegistryContract:  os.Getenv("MEMORY_REGISTRY_ADDRESS"),
		OracleContract:    os.Getenv("RISK_ORACLE_ADDRESS"),
		PermissionManager: os.Getenv("PERMISSION_MANAGER_ADDRESS"),
		PollInterval:      getEnvDuration("POLL_INTERVAL", 15*time.Second),
		StartBlock:        uint64(getEnvInt64("START_BLOCK", 0)),
		CacheTTL:          getEnvDuration("CACHE_TTL", 60*time.Second),
		CacheMaxSize:      int(getEnvInt64("CACHE_MAX_SIZE", 1000)),
		BucketCapacity:    int(getEnvInt64("RATE_LIMIT_CAPACITY", 100)),
		RefillRate:        getEnvFloat("RATE_LIMIT_REFILL", 10),
		WaitTimeout:       getEnvDuration("RATE_LIMIT_WAIT_TIMEOUT", 5*time.Second),
		RetryMaxAttempts:  int(getEnvInt64("RETRY_MAX_ATTEMPTS", 4)),
		RetryBase:         getEnvDuration("RETRY_BASE", time.Second),
		RetryCap:          getEnvDuration("RETRY_CAP", 5*time.Second),
		BreakerThreshold:  int(getEnvInt64("BREAKER_THRESHOLD", 5)),
		BreakerCooldown:   getEnvDuration("BREAKER_COOLDOWN", 60*time.Second),
		UseFallback:       getEnvBool("USE_FALLBACK", false),
		SeedPatterns:      getEnvBool("SEED_PATTERNS", true),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.WatcherEnabled() {
		if c.RegistryContract == "" || c.OracleContract == "" || c.PermissionManager == "" {
			return fmt.Errorf("RPC_URL set but contract addresses missing: MEMORY_REGISTRY_ADDRESS, RISK_ORACLE_ADDRESS, PERMISSION_MANAGER_ADDRESS are all required")
		}
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	if c.BucketCapacity <= 0 || c.RefillRate <= 0 {
		return fmt.Errorf("RATE_LIMIT_CAPACITY and RATE_LIMIT_REFILL must be positive")
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("BREAKER_THRESHOLD must be positive")
	}
	return nil
}

// WatcherEnabled reports whether the chain watcher should run.
func (c *Config) WatcherEnabled() bool {
	return c.RPCURL != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
