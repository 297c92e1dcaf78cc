package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	MnemonicFile string `envconfig:"RECYCLER_MNEMONIC_FILE"`
	DBPath       string `envconfig:"RECYCLER_DB_PATH" default:"./data/recycler.sqlite"`
	Port         int    `envconfig:"RECYCLER_PORT" default:"8080"`
	LogLevel     string `envconfig:"RECYCLER_LOG_LEVEL" default:"info"`
	LogDir       string `envconfig:"RECYCLER_LOG_DIR" default:"./logs"`
	Network      string `envconfig:"RECYCLER_NETWORK" default:"testnet"`

	ChainBackendURL  string `envconfig:"RECYCLER_CHAIN_BACKEND_URL"`
	WalletConnectURI string `envconfig:"RECYCLER_WALLET_CONNECT_URI"`

	PayoutMultiplier      float64 `envconfig:"RECYCLER_PAYOUT_MULTIPLIER" default:"1.01"`
	RequiredConfirmations int64   `envconfig:"RECYCLER_REQUIRED_CONFIRMATIONS" default:"6"`
	CutoffBlockHeight     int64   `envconfig:"RECYCLER_CUTOFF_BLOCK_HEIGHT" default:"930400"`
	MaxInputSats          int64   `envconfig:"RECYCLER_MAX_INPUT_SATS" default:"1000"`

	ChainRequestsPerSecond int `envconfig:"RECYCLER_CHAIN_RPS" default:"10"`
}

// Load reads configuration from .env file (if present) then from environment variables.
// Environment variables override .env values.
func Load() (*Config, error) {
	// Load .env file if it exists. godotenv does NOT override already-set env vars,
	// so real environment variables take precedence over .env values.
	envFiles := []string{".env"}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				slog.Warn("failed to load .env file", "file", f, "error", err)
			} else {
				slog.Info("loaded .env file", "file", f)
			}
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Network != "mainnet" && c.Network != "testnet" {
		return fmt.Errorf("%w: network must be \"mainnet\" or \"testnet\", got %q", ErrInvalidConfig, c.Network)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, c.Port)
	}
	if c.PayoutMultiplier <= 1.0 {
		return fmt.Errorf("%w: payout multiplier must be > 1.0, got %f", ErrInvalidConfig, c.PayoutMultiplier)
	}
	if c.RequiredConfirmations < 1 {
		return fmt.Errorf("%w: required confirmations must be >= 1, got %d", ErrInvalidConfig, c.RequiredConfirmations)
	}
	return nil
}
