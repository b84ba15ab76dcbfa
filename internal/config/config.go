// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	EscrowContract string // Deployed escrow agreement contract address
	DeployerKey    string // Hex-encoded private key of the deploying identity, no 0x prefix

	// Lifecycle settings
	ConfirmationBudget time.Duration // How long a single call waits for tx confirmation
	ReconcileInterval  time.Duration // Period of the reconciliation sweep

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
}

// Defaults target a local development chain.
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultRPCURL             = "http://localhost:8545"
	DefaultChainID            = 1337
	DefaultConfirmationBudget = 45 * time.Second
	DefaultReconcileInterval  = 60 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		EscrowContract:     os.Getenv("ESCROW_CONTRACT"),
		DeployerKey:        os.Getenv("DEPLOYER_KEY"),
		ConfirmationBudget: getEnvDuration("CONFIRMATION_BUDGET", DefaultConfirmationBudget),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent. The chain client is
// optional in development (a simulated chain is used instead), but a
// configured escrow contract requires the rest of the chain settings.
func (c *Config) Validate() error {
	if c.EscrowContract != "" {
		if c.DeployerKey == "" {
			return fmt.Errorf("DEPLOYER_KEY is required when ESCROW_CONTRACT is set")
		}
		key := c.DeployerKey
		if len(key) == 66 && key[:2] == "0x" {
			key = key[2:]
		}
		if len(key) != 64 {
			return fmt.Errorf("DEPLOYER_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required when ESCROW_CONTRACT is set")
		}
	}

	if c.ConfirmationBudget <= 0 {
		return fmt.Errorf("CONFIRMATION_BUDGET must be positive")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}

	return nil
}

// UseSimChain reports whether the simulated chain should be used instead of
// a real RPC connection.
func (c *Config) UseSimChain() bool {
	return c.EscrowContract == ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
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
