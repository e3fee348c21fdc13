// Package config loads service configuration from the environment and the
// per-chain asset table from YAML.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Chain holds the connection and indexing settings for one chain.
type Chain struct {
	ChainID uint64
	Name    string
	RPCURL  string
	WSURL   string

	BlockConfirmations uint64
	BatchSize          int

	ConcurrentTxLimit    int
	MinConcurrentLimit   int
	MaxConcurrentLimit   int
	LatestBlockInterval  time.Duration
	ContinuousInterval   time.Duration
	HealthCheckInterval  time.Duration
	RetryDelay           time.Duration
	MaxRetries           int

	// Relayer and vault entry points for signed writes.
	RelayerAddress string
	VaultAddress   string
}

// Redis holds bus connection settings.
type Redis struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
	Database int
	Channel  string
}

// Addr returns host:port.
func (r Redis) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DB holds PostgreSQL settings.
type DB struct {
	Host     string
	Port     int
	Username string
	Password string
	Name     string
	SSL      bool
	Logging  bool
}

// Asset describes one entry of the per-chain asset table.
type Asset struct {
	Symbol     string `yaml:"symbol"`
	Address    string `yaml:"address"`
	Decimals   int    `yaml:"decimals"`
	LTVPercent int    `yaml:"ltvPercent"`
}

// Config is the full process configuration shared by producer and consumer.
type Config struct {
	Chain Chain
	Redis Redis
	DB    DB

	// BusDriver selects the transport: "redis" (default) or "nats".
	BusDriver string
	NATSURL   string

	PrivateKey    string
	AlchemyAPIKey string

	MetricsAddr string

	// Assets maps chainID -> asset table.
	Assets map[uint64][]Asset
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Chain: Chain{
			ChainID:             envUint("CHAIN_ID", 1),
			Name:                env("CHAIN_NAME", "ethereum"),
			RPCURL:              env("RPC_URL", ""),
			WSURL:               env("WS_URL", ""),
			BlockConfirmations:  envUint("BLOCK_CONFIRMATIONS", 2),
			BatchSize:           envInt("INDEXING_BATCH_SIZE", 10),
			ConcurrentTxLimit:   envInt("CONCURRENT_TRANSACTION_LIMIT", 20),
			MinConcurrentLimit:  envInt("MIN_CONCURRENT_TRANSACTION_LIMIT", 5),
			MaxConcurrentLimit:  envInt("MAX_CONCURRENT_TRANSACTION_LIMIT", 50),
			LatestBlockInterval: envDuration("LATEST_BLOCK_UPDATE_INTERVAL_MS", 2000*time.Millisecond),
			ContinuousInterval:  envDuration("CONTINUOUS_INDEXING_INTERVAL_MS", time.Second),
			HealthCheckInterval: envDuration("HEALTH_CHECK_INTERVAL_MS", time.Minute),
			RetryDelay:          envDuration("RETRY_DELAY_MS", 5*time.Second),
			MaxRetries:          envInt("MAX_RETRIES", 5),
			RelayerAddress:      env("RELAYER_ADDRESS", ""),
			VaultAddress:        env("VAULT_ADDRESS", ""),
		},
		Redis: Redis{
			Host:     env("REDIS_HOST", "localhost"),
			Port:     envInt("REDIS_PORT", 6379),
			Username: env("REDIS_USERNAME", ""),
			Password: env("REDIS_PASSWORD", ""),
			TLS:      envBool("REDIS_TLS", false),
			Database: envInt("REDIS_DATABASE", 0),
			Channel:  env("REDIS_CHANNEL", "blockchain-events"),
		},
		DB: DB{
			Host:     env("DB_HOST", "localhost"),
			Port:     envInt("DB_PORT", 5432),
			Username: env("DB_USERNAME", "chainflow"),
			Password: env("DB_PASSWORD", ""),
			Name:     env("DB_NAME", "chainflow"),
			SSL:      envBool("DB_SSL", false),
			Logging:  envBool("DB_LOGGING", false),
		},
		BusDriver:     env("BUS_DRIVER", "redis"),
		NATSURL:       env("NATS_URL", "nats://localhost:4222"),
		PrivateKey:    env("PRIVATE_KEY", ""),
		AlchemyAPIKey: env("ALCHEMY_API_KEY", ""),
		MetricsAddr:   env("METRICS_ADDR", ":9091"),
		Assets:        map[uint64][]Asset{},
	}

	if path := env("ASSET_TABLE", ""); path != "" {
		assets, err := LoadAssets(path)
		if err != nil {
			return nil, err
		}
		cfg.Assets = assets
	}
	return cfg, nil
}

// LoadAssets parses the YAML asset table, keyed by chain ID.
func LoadAssets(path string) (map[uint64][]Asset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read asset table: %w", err)
	}
	var raw map[string][]Asset
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse asset table: %w", err)
	}
	out := make(map[uint64][]Asset, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("asset table: chain key %q: %w", k, err)
		}
		for i := range v {
			v[i].Address = strings.ToLower(v[i].Address)
		}
		out[id] = v
	}
	return out, nil
}

// AssetBySymbol looks up an asset on a chain by symbol.
func (c *Config) AssetBySymbol(chainID uint64, symbol string) (Asset, bool) {
	for _, a := range c.Assets[chainID] {
		if strings.EqualFold(a.Symbol, symbol) {
			return a, true
		}
	}
	return Asset{}, false
}

// AssetByAddress looks up an asset on a chain by contract address.
func (c *Config) AssetByAddress(chainID uint64, addr string) (Asset, bool) {
	addr = strings.ToLower(addr)
	for _, a := range c.Assets[chainID] {
		if a.Address == addr {
			return a, true
		}
	}
	return Asset{}, false
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
