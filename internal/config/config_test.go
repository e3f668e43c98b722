package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const presets = `
[networks.localhost]
entrance_fee = "0.01"
interval_seconds = 30
auto_fulfill = true

[networks.sepolia]
entrance_fee = "0.1"
interval_seconds = 60
key_hash = "0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c"
subscription_id = 1234
callback_gas_limit = 750000
auto_fulfill = false
`

func writePresets(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "networks.toml")
	require.NoError(t, os.WriteFile(path, []byte(presets), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	fee, err := cfg.EntranceFeeWei()
	require.NoError(t, err)
	assert.Equal(t, 0, fee.Cmp(big.NewInt(params.Ether/100)))
	assert.Equal(t, uint32(1), cfg.RandomnessRequest().NumWords)
}

func TestApplyNetworkFile(t *testing.T) {
	path := writePresets(t)

	cfg := Default()
	cfg.Network = "sepolia"
	require.NoError(t, cfg.ApplyNetworkFile(path))
	assert.Equal(t, "0.1", cfg.EntranceFee)
	assert.Equal(t, time.Minute, cfg.GateInterval)
	assert.Equal(t, uint64(1234), cfg.SubscriptionID)
	assert.Equal(t, uint32(750000), cfg.CallbackGasLimit)
	assert.False(t, cfg.AutoFulfill)
	assert.Equal(t, "0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c", cfg.RandomnessRequest().KeyHash.Hex())
	require.NoError(t, cfg.Validate())

	cfg.Network = "mainnet"
	assert.Error(t, cfg.ApplyNetworkFile(path))
}

func TestLoad_EnvironmentOverridesPreset(t *testing.T) {
	path := writePresets(t)
	t.Setenv("LOTTERY_NETWORKS_FILE", path)
	t.Setenv("LOTTERY_NETWORK", "sepolia")
	t.Setenv("ENTRANCE_FEE", "0.25")
	t.Setenv("STORE_BACKEND", "bolt")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "0.25", cfg.EntranceFee)
	assert.Equal(t, time.Minute, cfg.GateInterval)
	assert.Equal(t, "bolt", cfg.Store.Backend)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	require.NoError(t, cfg.Validate())
}

func TestLoad_ExplicitNetworkSelectsPreset(t *testing.T) {
	path := writePresets(t)
	t.Setenv("LOTTERY_NETWORKS_FILE", path)
	t.Setenv("LOTTERY_NETWORK", "localhost")
	t.Setenv("VRF_SUBSCRIPTION_ID", "99")

	cfg, err := Load("sepolia", "")
	require.NoError(t, err)
	assert.Equal(t, "sepolia", cfg.Network)
	assert.Equal(t, "0.1", cfg.EntranceFee)
	assert.Equal(t, time.Minute, cfg.GateInterval)
	assert.False(t, cfg.AutoFulfill)
	assert.Equal(t, uint64(99), cfg.SubscriptionID, "environment wins over the preset")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"zero fee":        func(c *Config) { c.EntranceFee = "0" },
		"bad fee":         func(c *Config) { c.EntranceFee = "one" },
		"zero interval":   func(c *Config) { c.GateInterval = 0 },
		"short key hash":  func(c *Config) { c.KeyHash = "0x1234" },
		"bad custody":     func(c *Config) { c.CustodyAddress = "nowhere" },
		"unknown backend": func(c *Config) { c.Store.Backend = "postgres" },
		"no words":        func(c *Config) { c.NumWords = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
