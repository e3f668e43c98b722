package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cli "gopkg.in/urfave/cli.v1"

	"dlottery/internal/config"
)

const networksFile = "../configs/networks.toml"

const sepoliaKeyHash = "0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c"

func runLoadConfig(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	var (
		cfg     *config.Config
		loadErr error
	)
	app := cli.NewApp()
	app.Flags = []cli.Flag{addrFlag, networkFlag, networksFileFlag, storeFlag, noKeeperFlag, debugFlag}
	app.Action = func(c *cli.Context) error {
		cfg, loadErr = loadConfig(c)
		return nil
	}
	require.NoError(t, app.Run(append([]string{"dlottery"}, args...)))
	return cfg, loadErr
}

func TestLoadConfig_NetworkFlagSelectsPreset(t *testing.T) {
	t.Setenv("LOTTERY_NETWORKS_FILE", networksFile)

	cfg, err := runLoadConfig(t, "--network", "sepolia")
	require.NoError(t, err)
	assert.Equal(t, "sepolia", cfg.Network)
	assert.False(t, cfg.AutoFulfill)
	assert.Equal(t, sepoliaKeyHash, cfg.RandomnessRequest().KeyHash.Hex())
}

func TestLoadConfig_EnvironmentBeatsPreset(t *testing.T) {
	t.Setenv("ENTRANCE_FEE", "0.25")
	t.Setenv("BROKER_AUTO_FULFILL", "true")

	cfg, err := runLoadConfig(t, "--networks", networksFile, "--network", "sepolia")
	require.NoError(t, err)
	assert.Equal(t, "0.25", cfg.EntranceFee)
	assert.True(t, cfg.AutoFulfill)
	assert.Equal(t, 30*time.Second, cfg.GateInterval)
	assert.Equal(t, sepoliaKeyHash, cfg.RandomnessRequest().KeyHash.Hex())
}

func TestLoadConfig_FlagsBeatEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":7000")
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("KEEPER_ENABLED", "true")

	cfg, err := runLoadConfig(t, "--addr", ":9999", "--store", "bolt", "--no-keeper", "--debug")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, "bolt", cfg.Store.Backend)
	assert.False(t, cfg.KeeperEnabled)
	assert.True(t, cfg.Debug)
}

func TestLoadConfig_UnknownNetwork(t *testing.T) {
	_, err := runLoadConfig(t, "--networks", networksFile, "--network", "mainnet")
	assert.Error(t, err)
}
