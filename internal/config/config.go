// Package config provides application configuration.
//
// Values come from defaults, then an optional TOML file named by
// BASESOCIETY_CONFIG, then environment variables, in increasing precedence.
// The wallet private key is only read from the environment.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pelletier/go-toml/v2"
)

const (
	// EnvConfigFile names the optional TOML configuration file.
	EnvConfigFile = "BASESOCIETY_CONFIG"

	// DefaultDemoWalletAddress is the address adopted by demo-mode connects.
	DefaultDemoWalletAddress = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"

	defaultMaxRequestBody = "1MiB"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	MaxRequestBody int64
	GRPCHealthAddr string
	Registry       RegistryConfig
	Chain          ChainConfig
	Demo           DemoConfig
}

// RegistryConfig points at the backend agent registry.
type RegistryConfig struct {
	URL     string
	Timeout time.Duration
}

// ChainConfig configures the JSON-RPC wallet provider and the AgentNFT contract.
type ChainConfig struct {
	RPCURL              string
	AgentNFTAddress     string
	PrivateKey          string
	MintValueWei        *big.Int
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration
}

// DemoConfig controls the providerless flow.
type DemoConfig struct {
	Enabled       bool
	WalletAddress string
	MintDelay     time.Duration
}

// fileConfig is the TOML layout. Durations and sizes are strings so they read
// naturally ("10s", "2MiB").
type fileConfig struct {
	Server struct {
		Port           string `toml:"port"`
		FrontendURL    string `toml:"frontend_url"`
		MaxRequestBody string `toml:"max_request_body"`
		GRPCHealthAddr string `toml:"grpc_health_addr"`
	} `toml:"server"`
	Database struct {
		Path string `toml:"path"`
	} `toml:"database"`
	Registry struct {
		URL     string `toml:"url"`
		Timeout string `toml:"timeout"`
	} `toml:"registry"`
	Chain struct {
		RPCURL              string `toml:"rpc_url"`
		AgentNFTAddress     string `toml:"agent_nft_address"`
		MintValueWei        string `toml:"mint_value_wei"`
		ReceiptPollInterval string `toml:"receipt_poll_interval"`
		ReceiptTimeout      string `toml:"receipt_timeout"`
	} `toml:"chain"`
	Demo struct {
		Enabled       *bool  `toml:"enabled"`
		WalletAddress string `toml:"wallet_address"`
		MintDelay     string `toml:"mint_delay"`
	} `toml:"demo"`
}

// Load reads configuration from the optional TOML file and environment variables.
func Load() (*Config, error) {
	var file fileConfig
	if path := os.Getenv(EnvConfigFile); path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		file = *loaded
	}

	cfg, err := build(&file)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &fc, nil
}

func build(f *fileConfig) (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", or(f.Server.Port, "8080")),
		FrontendURL:    getEnv("FRONTEND_URL", f.Server.FrontendURL),
		DBPath:         getEnv("DB_PATH", or(f.Database.Path, "./data/basesociety.db")),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", f.Server.GRPCHealthAddr),
		Registry: RegistryConfig{
			URL: getEnv("REGISTRY_URL", or(f.Registry.URL, "http://localhost:8000")),
		},
		Chain: ChainConfig{
			RPCURL:          getEnv("RPC_URL", f.Chain.RPCURL),
			AgentNFTAddress: getEnv("AGENT_NFT_ADDRESS", f.Chain.AgentNFTAddress),
			PrivateKey:      strings.TrimPrefix(getEnv("WALLET_PRIVATE_KEY", ""), "0x"),
		},
		Demo: DemoConfig{
			WalletAddress: getEnv("DEMO_WALLET_ADDRESS", or(f.Demo.WalletAddress, DefaultDemoWalletAddress)),
		},
	}

	demoDefault := true
	if f.Demo.Enabled != nil {
		demoDefault = *f.Demo.Enabled
	}
	cfg.Demo.Enabled = getEnvBool("DEMO_MODE", demoDefault)

	var err error
	if cfg.Registry.Timeout, err = getEnvDuration("REGISTRY_TIMEOUT", f.Registry.Timeout, 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.Chain.ReceiptPollInterval, err = getEnvDuration("RECEIPT_POLL_INTERVAL", f.Chain.ReceiptPollInterval, 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.Chain.ReceiptTimeout, err = getEnvDuration("RECEIPT_TIMEOUT", f.Chain.ReceiptTimeout, 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Demo.MintDelay, err = getEnvDuration("DEMO_MINT_DELAY", f.Demo.MintDelay, time.Second); err != nil {
		return nil, err
	}

	rawBody := getEnv("MAX_REQUEST_BODY", or(f.Server.MaxRequestBody, defaultMaxRequestBody))
	if cfg.MaxRequestBody, err = units.RAMInBytes(rawBody); err != nil {
		return nil, fmt.Errorf("MAX_REQUEST_BODY %q: %w", rawBody, err)
	}

	rawValue := getEnv("MINT_VALUE_WEI", or(f.Chain.MintValueWei, "0"))
	value, ok := new(big.Int).SetString(strings.TrimSpace(rawValue), 10)
	if !ok {
		return nil, fmt.Errorf("MINT_VALUE_WEI %q is not a decimal integer", rawValue)
	}
	cfg.Chain.MintValueWei = value

	return cfg, nil
}

// Validate checks that all required configuration fields are set and consistent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY must be > 0")
	}
	if c.Registry.Timeout <= 0 {
		return fmt.Errorf("REGISTRY_TIMEOUT must be > 0")
	}
	if c.Chain.ReceiptPollInterval <= 0 {
		return fmt.Errorf("RECEIPT_POLL_INTERVAL must be > 0")
	}
	if c.Chain.ReceiptTimeout <= 0 {
		return fmt.Errorf("RECEIPT_TIMEOUT must be > 0")
	}
	if c.Demo.MintDelay < 0 {
		return fmt.Errorf("DEMO_MINT_DELAY cannot be negative")
	}
	if c.Chain.MintValueWei != nil && c.Chain.MintValueWei.Sign() < 0 {
		return fmt.Errorf("MINT_VALUE_WEI cannot be negative")
	}
	if c.Chain.AgentNFTAddress != "" && !common.IsHexAddress(c.Chain.AgentNFTAddress) {
		return fmt.Errorf("AGENT_NFT_ADDRESS is not a valid address")
	}
	if c.Demo.Enabled && !common.IsHexAddress(c.Demo.WalletAddress) {
		return fmt.Errorf("DEMO_WALLET_ADDRESS is not a valid address")
	}
	if c.Chain.PrivateKey != "" {
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("WALLET_PRIVATE_KEY requires RPC_URL")
		}
		if c.Chain.AgentNFTAddress == "" {
			return fmt.Errorf("WALLET_PRIVATE_KEY requires AGENT_NFT_ADDRESS")
		}
	}
	return nil
}

// HasWallet reports whether a JSON-RPC wallet provider can be built.
func (c *Config) HasWallet() bool {
	return c.Chain.RPCURL != "" && c.Chain.PrivateKey != ""
}

// ContractAddress returns the AgentNFT address, zero when unset.
func (c *Config) ContractAddress() common.Address {
	if c.Chain.AgentNFTAddress == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Chain.AgentNFTAddress)
}

// DemoAddress returns the demo wallet address when demo mode is on.
func (c *Config) DemoAddress() (common.Address, bool) {
	if !c.Demo.Enabled {
		return common.Address{}, false
	}
	return common.HexToAddress(c.Demo.WalletAddress), true
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the UI API.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func or(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvDuration(key, fileValue string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, fileValue)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", key, raw, err)
	}
	return d, nil
}
