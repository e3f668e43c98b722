package config

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/joho/godotenv"

	"dlottery/internal/models"
	"dlottery/internal/units"
)

// Config holds the service configuration. Values come from Default, then the
// selected network preset, then the environment, then command-line flags.
type Config struct {
	Debug    bool   `env:"DEBUG"`
	HTTPAddr string `env:"HTTP_ADDR"`
	// CORS settings
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// Network selects a preset from NetworksFile.
	Network      string `env:"LOTTERY_NETWORK"`
	NetworksFile string `env:"LOTTERY_NETWORKS_FILE"`

	// Lottery parameters, fixed for the lifetime of the deployment.
	EntranceFee  string        `env:"ENTRANCE_FEE"` // in ether
	GateInterval time.Duration `env:"GATE_INTERVAL"`

	// Randomness broker request parameters.
	KeyHash              string `env:"VRF_KEY_HASH"`
	SubscriptionID       uint64 `env:"VRF_SUBSCRIPTION_ID"`
	RequestConfirmations uint16 `env:"VRF_REQUEST_CONFIRMATIONS"`
	CallbackGasLimit     uint32 `env:"VRF_CALLBACK_GAS_LIMIT"`
	NumWords             uint32 `env:"VRF_NUM_WORDS"`

	// In-process broker
	AutoFulfill  bool          `env:"BROKER_AUTO_FULFILL"`
	FulfillDelay time.Duration `env:"BROKER_FULFILL_DELAY"`
	// BrokerSecret enables POST /api/v1/fulfill for an external broker.
	BrokerSecret string `env:"BROKER_CALLBACK_SECRET"`

	// Automation keeper
	KeeperEnabled  bool          `env:"KEEPER_ENABLED"`
	KeeperInterval time.Duration `env:"KEEPER_INTERVAL"`

	CustodyAddress string `env:"CUSTODY_ADDRESS"`

	Store struct {
		Backend  string `env:"STORE_BACKEND"`
		BoltPath string `env:"BOLT_PATH"`
	}

	Redis struct {
		Addr          string `env:"REDIS_ADDR"`
		Password      string `env:"REDIS_PASSWORD"`
		DB            int    `env:"REDIS_DB"`
		KeyPrefix     string `env:"REDIS_KEY_PREFIX"`
		PublishEvents bool   `env:"REDIS_PUBLISH_EVENTS"`
		EventStream   string `env:"REDIS_EVENT_STREAM"`
	}
}

// NetworkPreset mirrors the per-network deployment parameters.
type NetworkPreset struct {
	EntranceFee          string `toml:"entrance_fee"`
	IntervalSeconds      int64  `toml:"interval_seconds"`
	KeyHash              string `toml:"key_hash"`
	SubscriptionID       uint64 `toml:"subscription_id"`
	RequestConfirmations uint16 `toml:"request_confirmations"`
	CallbackGasLimit     uint32 `toml:"callback_gas_limit"`
	AutoFulfill          *bool  `toml:"auto_fulfill"`
}

type networksFile struct {
	Networks map[string]NetworkPreset `toml:"networks"`
}

// Default returns the configuration for a local development network.
func Default() *Config {
	cfg := &Config{
		HTTPAddr:             ":8080",
		CORSAllowedOrigins:   []string{"*"},
		Network:              "localhost",
		EntranceFee:          "0.01",
		GateInterval:         30 * time.Second,
		KeyHash:              "0xd89b2bf150e3b9e13446986e571fb9cab24b13cea0a43ea20a6049a85cc807cc",
		RequestConfirmations: 3,
		CallbackGasLimit:     500000,
		NumWords:             1,
		AutoFulfill:          true,
		FulfillDelay:         2 * time.Second,
		KeeperEnabled:        true,
		KeeperInterval:       5 * time.Second,
		CustodyAddress:       "0x00000000000000000000000000000000000c0de1",
	}
	cfg.Store.Backend = "memory"
	cfg.Store.BoltPath = "lottery.db"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.KeyPrefix = "lottery"
	cfg.Redis.EventStream = "lottery:events"
	return cfg
}

// Load builds the configuration from defaults, the optional networks file and
// the environment (including a .env file when present). A non-empty network
// or networksFile replaces the one the environment selects before the preset
// is applied.
func Load(network, networksFile string) (*Config, error) {
	// a missing .env is fine: variables may be set directly
	_ = godotenv.Load()

	cfg := Default()
	if err := cfg.parseEnv(network, networksFile); err != nil {
		return nil, err
	}
	if cfg.NetworksFile != "" {
		if err := cfg.ApplyNetworkFile(cfg.NetworksFile); err != nil {
			return nil, err
		}
		// environment wins over the preset
		if err := cfg.parseEnv(network, networksFile); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) parseEnv(network, networksFile string) error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if network != "" {
		c.Network = network
	}
	if networksFile != "" {
		c.NetworksFile = networksFile
	}
	return nil
}

// ApplyNetworkFile loads the TOML presets at path and applies the one named
// by cfg.Network.
func (c *Config) ApplyNetworkFile(path string) error {
	var f networksFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("read networks file %s: %w", path, err)
	}
	preset, ok := f.Networks[c.Network]
	if !ok {
		return fmt.Errorf("network %q not found in %s", c.Network, path)
	}
	c.ApplyPreset(preset)
	return nil
}

// ApplyPreset overwrites the fields the preset sets.
func (c *Config) ApplyPreset(p NetworkPreset) {
	if p.EntranceFee != "" {
		c.EntranceFee = p.EntranceFee
	}
	if p.IntervalSeconds > 0 {
		c.GateInterval = time.Duration(p.IntervalSeconds) * time.Second
	}
	if p.KeyHash != "" {
		c.KeyHash = p.KeyHash
	}
	if p.SubscriptionID != 0 {
		c.SubscriptionID = p.SubscriptionID
	}
	if p.RequestConfirmations != 0 {
		c.RequestConfirmations = p.RequestConfirmations
	}
	if p.CallbackGasLimit != 0 {
		c.CallbackGasLimit = p.CallbackGasLimit
	}
	if p.AutoFulfill != nil {
		c.AutoFulfill = *p.AutoFulfill
	}
}

// Validate checks the parameters that cannot be changed after start.
func (c *Config) Validate() error {
	fee, err := c.EntranceFeeWei()
	if err != nil {
		return err
	}
	if fee.Sign() <= 0 {
		return errors.New("entrance fee must be positive")
	}
	if c.GateInterval <= 0 {
		return errors.New("gate interval must be positive")
	}
	if c.NumWords == 0 {
		return errors.New("VRF_NUM_WORDS must be positive")
	}
	if _, err := hexutil.Decode(c.KeyHash); err != nil || len(common.FromHex(c.KeyHash)) != common.HashLength {
		return fmt.Errorf("invalid key hash %q", c.KeyHash)
	}
	if !common.IsHexAddress(c.CustodyAddress) {
		return fmt.Errorf("invalid custody address %q", c.CustodyAddress)
	}
	if c.KeeperEnabled && c.KeeperInterval <= 0 {
		return errors.New("keeper interval must be positive")
	}
	switch c.Store.Backend {
	case "memory", "redis", "bolt":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}

// EntranceFeeWei returns the entrance fee in wei.
func (c *Config) EntranceFeeWei() (*big.Int, error) {
	fee, err := units.ParseEther(c.EntranceFee)
	if err != nil {
		return nil, fmt.Errorf("entrance fee: %w", err)
	}
	return fee, nil
}

// RandomnessRequest returns the broker parameters of every draw.
func (c *Config) RandomnessRequest() models.RandomnessRequest {
	return models.RandomnessRequest{
		KeyHash:              common.HexToHash(c.KeyHash),
		SubscriptionID:       c.SubscriptionID,
		RequestConfirmations: c.RequestConfirmations,
		CallbackGasLimit:     c.CallbackGasLimit,
		NumWords:             c.NumWords,
	}
}

// Custody returns the address of the account holding the pool.
func (c *Config) Custody() common.Address {
	return common.HexToAddress(c.CustodyAddress)
}
