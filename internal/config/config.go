package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/olehkaliuzhnyi/wallet-runtime/pkg/models"
)

// Config holds all configurable parameters for the wallet runtime.
type Config struct {
	// Persistence
	StoreBackend    string `envconfig:"STORE_BACKEND" default:"memory"`
	MongoURI        string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDatabase   string `envconfig:"MONGO_DATABASE" default:"wallet_runtime"`
	MongoCollection string `envconfig:"MONGO_COLLECTION" default:"kv"`

	// Vault key derivation (scrypt)
	ScryptN int `envconfig:"SCRYPT_N" default:"262144"`
	ScryptR int `envconfig:"SCRYPT_R" default:"8"`
	ScryptP int `envconfig:"SCRYPT_P" default:"1"`

	// Session
	MinPasswordLength int           `envconfig:"MIN_PASSWORD_LENGTH" default:"8"`
	AutoLockAfter     time.Duration `envconfig:"AUTO_LOCK_AFTER" default:"15m"`

	// Transactions
	Confirmations       uint64        `envconfig:"CONFIRMATIONS" default:"1"`
	ReceiptPollInterval time.Duration `envconfig:"RECEIPT_POLL_INTERVAL" default:"2s"`
	DropAfter           time.Duration `envconfig:"DROP_AFTER" default:"30m"`
	BroadcastMaxRetries int           `envconfig:"BROADCAST_MAX_RETRIES" default:"3"`
	BroadcastBackoff    time.Duration `envconfig:"BROADCAST_BACKOFF" default:"1s"`
	ContextTimeout      time.Duration `envconfig:"CONTEXT_TIMEOUT" default:"15s"`
	NativeGasPercent    uint64        `envconfig:"NATIVE_GAS_PERCENT" default:"120"`
	TokenGasPercent     uint64        `envconfig:"TOKEN_GAS_PERCENT" default:"130"`

	// Balances and prices
	BalanceRefreshInterval time.Duration `envconfig:"BALANCE_REFRESH_INTERVAL" default:"30s"`
	PriceEnabled           bool          `envconfig:"PRICE_ENABLED" default:"true"`
	PriceAPIURL            string        `envconfig:"PRICE_API_URL" default:"https://api.coingecko.com/api/v3"`

	// Networks
	DefaultNetwork string `envconfig:"DEFAULT_NETWORK" default:"mainnet"`

	// Bridge
	ListenAddr string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8645"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	// UIToken authorizes the approval endpoints. Empty means one is generated at startup.
	UIToken string `envconfig:"UI_TOKEN"`
}

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		StoreBackend:    "memory",
		MongoURI:        "mongodb://localhost:27017",
		MongoDatabase:   "wallet_runtime",
		MongoCollection: "kv",

		ScryptN: 1 << 18,
		ScryptR: 8,
		ScryptP: 1,

		MinPasswordLength: 8,
		AutoLockAfter:     15 * time.Minute,

		Confirmations:       1,
		ReceiptPollInterval: 2 * time.Second,
		DropAfter:           30 * time.Minute,
		BroadcastMaxRetries: 3,
		BroadcastBackoff:    1 * time.Second,
		ContextTimeout:      15 * time.Second,
		NativeGasPercent:    120,
		TokenGasPercent:     130,

		BalanceRefreshInterval: 30 * time.Second,
		PriceEnabled:           true,
		PriceAPIURL:            "https://api.coingecko.com/api/v3",

		DefaultNetwork: "mainnet",

		ListenAddr: "127.0.0.1:8645",
		LogLevel:   "info",
	}
}

// FromEnv returns a Config populated from WALLET_* environment variables,
// falling back to defaults for unset values.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("wallet", &cfg); err != nil {
		return Config{}, fmt.Errorf("process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot work with.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "mongo":
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.ScryptN <= 1 || c.ScryptN&(c.ScryptN-1) != 0 {
		return fmt.Errorf("scrypt N must be a power of two greater than 1, got %d", c.ScryptN)
	}
	if c.NativeGasPercent < 100 || c.TokenGasPercent < 100 {
		return fmt.Errorf("gas multipliers must be at least 100 percent")
	}
	if c.Confirmations == 0 {
		return fmt.Errorf("confirmations must be at least 1")
	}
	return nil
}

// DefaultNetworks is the registry seeded on first start.
func DefaultNetworks() []models.Network {
	return []models.Network{
		{
			ID:           "mainnet",
			Name:         "Ethereum Mainnet",
			RPCEndpoint:  "https://ethereum-rpc.publicnode.com",
			ChainID:      1,
			NativeSymbol: "ETH",
			ExplorerURL:  "https://etherscan.io",
		},
		{
			ID:           "sepolia",
			Name:         "Sepolia",
			RPCEndpoint:  "https://ethereum-sepolia-rpc.publicnode.com",
			ChainID:      11155111,
			NativeSymbol: "ETH",
			ExplorerURL:  "https://sepolia.etherscan.io",
		},
		{
			ID:           "polygon",
			Name:         "Polygon",
			RPCEndpoint:  "https://polygon-rpc.com",
			ChainID:      137,
			NativeSymbol: "POL",
			ExplorerURL:  "https://polygonscan.com",
		},
	}
}
