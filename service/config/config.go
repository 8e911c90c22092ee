package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/ethgate/service/ledger"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Ledger configuration
	NetworkName  string
	RPCURL       string
	ChainID      uint64 // zero means the known chain id of NetworkName
	PollInterval time.Duration
	RPCRateLimit float64
	RPCRateBurst int
	CacheSizeMB  int
	GasPriority  string

	// Indexer configuration; history lookups are disabled without a URL
	IndexerURL    string
	IndexerAPIKey string

	// Transactor configuration; sending is disabled without a key
	WalletPrivateKey  string
	MaxSubmitAttempts int
	MaxCostWei        *big.Int

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// History sync schedule configuration
	DefaultSyncInterval time.Duration
	MinSyncInterval     time.Duration
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Ledger configuration
	cfg.NetworkName = getEnvOrDefault("NETWORK_NAME", "mainnet")
	cfg.RPCURL = os.Getenv("RPC_URL")
	if cfg.RPCURL == "" {
		errs = append(errs, fmt.Errorf("RPC_URL is required"))
	}

	chainID, err := parseUint("CHAIN_ID", 0)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.ChainID = chainID
	}
	if _, known := ledger.Networks[cfg.NetworkName]; !known && cfg.ChainID == 0 {
		errs = append(errs, fmt.Errorf("NETWORK_NAME %q is not a known network; set CHAIN_ID", cfg.NetworkName))
	}

	pollInterval, err := parseDuration("POLL_INTERVAL", "4s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.PollInterval = pollInterval
	}

	rateLimit, err := parseFloat("RPC_RATE_LIMIT", 20)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCRateLimit = rateLimit
	}

	rateBurst, err := parseInt("RPC_RATE_BURST", 5)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCRateBurst = rateBurst
	}

	cacheSize, err := parseInt("CACHE_SIZE_MB", 64)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.CacheSizeMB = cacheSize
	}

	cfg.GasPriority = os.Getenv("GAS_PRIORITY")
	if _, err := ledger.GasPriority(cfg.GasPriority).Price(); err != nil {
		errs = append(errs, fmt.Errorf("GAS_PRIORITY: %w", err))
	}

	// Indexer configuration
	cfg.IndexerURL = os.Getenv("INDEXER_URL")
	cfg.IndexerAPIKey = os.Getenv("INDEXER_API_KEY")

	// Transactor configuration
	cfg.WalletPrivateKey = os.Getenv("WALLET_PRIVATE_KEY")
	attempts, err := parseInt("MAX_SUBMIT_ATTEMPTS", ledger.DefaultMaxAttempts)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxSubmitAttempts = attempts
	}
	if v := os.Getenv("MAX_COST_WEI"); v != "" {
		maxCost, ok := new(big.Int).SetString(v, 10)
		if !ok || maxCost.Sign() <= 0 {
			errs = append(errs, fmt.Errorf("MAX_COST_WEI: invalid amount %q", v))
		} else {
			cfg.MaxCostWei = maxCost
		}
	}

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// NATS configuration
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "ethgate-history-sync")

	// Sync schedule configuration
	defaultInterval, err := parseDuration("DEFAULT_SYNC_INTERVAL", "1m")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.DefaultSyncInterval = defaultInterval
	}

	minInterval, err := parseDuration("MIN_SYNC_INTERVAL", "15s")
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MinSyncInterval = minInterval
	}

	// Validate intervals
	if cfg.MinSyncInterval > cfg.DefaultSyncInterval {
		errs = append(errs, fmt.Errorf("MIN_SYNC_INTERVAL (%v) cannot be greater than DEFAULT_SYNC_INTERVAL (%v)",
			cfg.MinSyncInterval, cfg.DefaultSyncInterval))
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.RPCURL == "" {
		errs = append(errs, fmt.Errorf("RPCURL is required"))
	}

	if _, known := ledger.Networks[c.NetworkName]; !known && c.ChainID == 0 {
		errs = append(errs, fmt.Errorf("ChainID is required for network %q", c.NetworkName))
	}

	if c.PollInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("PollInterval must be at least 100ms"))
	}

	if c.RPCRateLimit < 0 {
		errs = append(errs, fmt.Errorf("RPCRateLimit cannot be negative"))
	}

	if c.MaxSubmitAttempts < 1 {
		errs = append(errs, fmt.Errorf("MaxSubmitAttempts must be at least 1"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if c.MinSyncInterval > c.DefaultSyncInterval {
		errs = append(errs, fmt.Errorf("MinSyncInterval cannot be greater than DefaultSyncInterval"))
	}

	if c.DefaultSyncInterval < time.Second {
		errs = append(errs, fmt.Errorf("DefaultSyncInterval must be at least 1 second"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// RequireDatabase reports an error when no database is configured. The
// worker cannot run without one; the server can.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Constants returns the network constants after applying CHAIN_ID.
func (c *Config) Constants() *ledger.Constants {
	constants, known := ledger.Networks[c.NetworkName]
	if !known {
		constants = ledger.Constants{MinOutputAmount: 1, Curve: ledger.Curve}
	}
	if c.ChainID != 0 {
		constants.ChainID = c.ChainID
	}
	return &constants
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}
