// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers understood by STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	StoreDriver string
	BoltPath    string
	DatabaseURL string // required for the postgres driver

	// Escrow terms, in minor currency units
	MinAmount  int64
	Fee        int64
	HoldAmount int64

	// SeedBalances funds empty wallets at startup (actor -> amount)
	SeedBalances map[string]int64

	// Background loops
	ExpirySweepInterval time.Duration
	ObserverInterval    time.Duration
	ReconcileInterval   time.Duration // 0 disables the conservation check

	// HTTP
	RateLimitRPS int
	CORSOrigins  []string

	// Tracing
	OTLPEndpoint string

	// Observer process (cmd/observer)
	APIURL        string
	ActorID       string
	Role          string
	TransactionID string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultBoltPath            = "escrowsync.db"
	DefaultMinAmount           = 5000
	DefaultFee                 = 100
	DefaultHoldAmount          = 100
	DefaultExpirySweepInterval = 10 * time.Second
	DefaultObserverInterval    = 2 * time.Second
	DefaultReconcileInterval   = 5 * time.Minute
	DefaultRateLimit           = 20
	DefaultAPIURL              = "http://localhost:8080"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		StoreDriver:         getEnv("STORE_DRIVER", DriverMemory),
		BoltPath:            getEnv("BOLT_PATH", DefaultBoltPath),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		MinAmount:           getEnvInt64("MIN_AMOUNT", DefaultMinAmount),
		Fee:                 getEnvInt64("TRANSACTION_FEE", DefaultFee),
		HoldAmount:          getEnvInt64("SELLER_HOLD", DefaultHoldAmount),
		ExpirySweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweepInterval),
		ObserverInterval:    getEnvDuration("OBSERVER_INTERVAL", DefaultObserverInterval),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		CORSOrigins:         getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		APIURL:              getEnv("API_URL", DefaultAPIURL),
		ActorID:             os.Getenv("ACTOR_ID"),
		Role:                os.Getenv("ROLE"),
		TransactionID:       os.Getenv("TRANSACTION_ID"),
	}

	seeds, err := parseSeeds(os.Getenv("SEED_BALANCES"))
	if err != nil {
		return nil, err
	}
	cfg.SeedBalances = seeds

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable by the server.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required for the bolt store")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, bolt, postgres (got %q)", c.StoreDriver)
	}

	if c.MinAmount <= 0 {
		return fmt.Errorf("MIN_AMOUNT must be positive")
	}
	if c.Fee < 0 || c.HoldAmount < 0 {
		return fmt.Errorf("TRANSACTION_FEE and SELLER_HOLD must not be negative")
	}
	if c.ExpirySweepInterval <= 0 || c.ObserverInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL and OBSERVER_INTERVAL must be positive")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must not be negative")
	}
	return nil
}

// ValidateObserver checks the settings cmd/observer needs on top of Validate.
func (c *Config) ValidateObserver() error {
	if c.APIURL == "" {
		return fmt.Errorf("API_URL is required")
	}
	if c.ActorID == "" {
		return fmt.Errorf("ACTOR_ID is required")
	}
	if c.Role != "buyer" && c.Role != "seller" {
		return fmt.Errorf("ROLE must be buyer or seller")
	}
	if c.TransactionID == "" {
		return fmt.Errorf("TRANSACTION_ID is required")
	}
	return nil
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	return getList(os.Getenv(key))
}

func getList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// parseSeeds reads "actor=amount,actor=amount".
func parseSeeds(raw string) (map[string]int64, error) {
	seeds := make(map[string]int64)
	for _, pair := range getList(raw) {
		actor, amount, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("SEED_BALANCES entry %q must be actor=amount", pair)
		}
		v, err := strconv.ParseInt(strings.TrimSpace(amount), 10, 64)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("SEED_BALANCES amount for %q must be a positive integer", actor)
		}
		seeds[strings.TrimSpace(actor)] = v
	}
	return seeds, nil
}
