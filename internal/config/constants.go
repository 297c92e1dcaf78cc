package config

import "time"

// BIP-32 / BIP-84 Derivation Path (Native SegWit, single external keychain)
const (
	BIP84Purpose    = 84 // BIP-84 purpose for Native SegWit (bech32)
	BTCCoinType     = 0  // m/84'/0'/0'/0/N (mainnet)
	BTCTestCoinType = 1  // m/84'/1'/0'/0/N (testnet)
)

// Provider URLs — Esplora-compatible BTC backends
const (
	BlockstreamMainnetURL = "https://blockstream.info/api"
	BlockstreamTestnetURL = "https://blockstream.info/testnet/api"
)

// Deposit monitor loop
const (
	MonitorBasePeriod      = 30 * time.Second
	MonitorMaxBackoff      = 300 * time.Second
	MonitorBackoffExponent = 4 // backoff = base * 2^min(consecutiveFails, exponent)
)

// Payment processor loop
const (
	ProcessorPeriod    = 30 * time.Second
	MaxPaymentAttempts = 10
)

// Server
const (
	ServerPort           = 8080
	ServerReadTimeout    = 30 * time.Second
	ServerWriteTimeout   = 60 * time.Second
	ServerIdleTimeout    = 120 * time.Second
	ServerMaxHeaderBytes = 1 << 20
	ShutdownTimeout      = 15 * time.Second
)

// Logging
const (
	LogDir         = "./logs"
	LogFilePattern = "recycler-%s-%s.log" // date, level
	LogMaxAgeDays  = 30
)

// Database
const (
	DBPath        = "./data/recycler.sqlite"
	DBTestPath    = "./data/recycler_test.sqlite"
	DBBusyTimeout = 5000 // milliseconds
)
