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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Ledger settings
	SupplyRPCURL       string // supply-chain ledger endpoint
	BridgeRPCURL       string // transaction-bridge ledger endpoint
	SupplyChainID      int64
	BridgeChainID      int64
	PrivateKey         string // Hex-encoded signing key for ledger transactions
	SupplyContractInfo string // two-line file: address, ABI JSON
	BridgeContractInfo string // two-line file: address, ABI JSON

	// Payment rail settings
	RailAPIURL   string // testnet wallet-service endpoint
	RailCurrency string // currency the rail settles in (e.g. "usd")
	WalletInfo   string // two-line file: buyer key, seller key

	// Dispatcher settings
	PollInterval time.Duration // delay between event poll cycles
	MaxInflight  int           // concurrent handler units per subscription
}

// Local Ganache-style defaults
const (
	DefaultSupplyRPCURL  = "http://127.0.0.1:7545"
	DefaultBridgeRPCURL  = "http://127.0.0.1:7546"
	DefaultSupplyChainID = 1337
	DefaultBridgeChainID = 1337
	DefaultRailAPIURL    = "https://testnet.blockchain.info"
	DefaultRailCurrency  = "usd"
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultPollInterval  = 2 * time.Second
	DefaultMaxInflight   = 64
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		SupplyRPCURL:       getEnv("SUPPLY_RPC_URL", DefaultSupplyRPCURL),
		BridgeRPCURL:       getEnv("BRIDGE_RPC_URL", DefaultBridgeRPCURL),
		SupplyChainID:      getEnvInt64("SUPPLY_CHAIN_ID", DefaultSupplyChainID),
		BridgeChainID:      getEnvInt64("BRIDGE_CHAIN_ID", DefaultBridgeChainID),
		PrivateKey:         os.Getenv("PRIVATE_KEY"), // Required, no default
		SupplyContractInfo: getEnv("SUPPLY_CONTRACT_INFO", "contracts/SupplyChain.info"),
		BridgeContractInfo: getEnv("BRIDGE_CONTRACT_INFO", "contracts/TransactionBridge.info"),
		RailAPIURL:         getEnv("RAIL_API_URL", DefaultRailAPIURL),
		RailCurrency:       getEnv("RAIL_CURRENCY", DefaultRailCurrency),
		WalletInfo:         getEnv("WALLET_INFO", "wallet/wallet.info"),
		PollInterval:       getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		MaxInflight:        int(getEnvInt64("MAX_INFLIGHT", DefaultMaxInflight)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.SupplyRPCURL == "" {
		return fmt.Errorf("SUPPLY_RPC_URL is required")
	}
	if c.BridgeRPCURL == "" {
		return fmt.Errorf("BRIDGE_RPC_URL is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.MaxInflight <= 0 {
		return fmt.Errorf("MAX_INFLIGHT must be positive")
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
