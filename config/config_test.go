package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_RequiresRPCPassword(t *testing.T) {
	_, err := LoadConfig([]string{"--datadir", t.TempDir(), "--logdir", t.TempDir()})
	require.Error(t, err)
}

func TestLoadConfig_CommandLineOverridesDefaults(t *testing.T) {
	cfg, err := LoadConfig([]string{
		"--rpcpassword", "hunter2",
		"--rpclisten", "0.0.0.0:9999",
		"--datadir", filepath.Join(t.TempDir(), "data"),
		"--logdir", filepath.Join(t.TempDir(), "logs"),
	})
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", cfg.RPCListen)
	require.Equal(t, "hunter2", cfg.RPCPassword)
}

func TestLoadConfig_RejectsNonPositivePollInterval(t *testing.T) {
	_, err := LoadConfig([]string{
		"--rpcpassword", "hunter2",
		"--pollinterval", "0",
		"--datadir", t.TempDir(),
		"--logdir", t.TempDir(),
	})
	require.Error(t, err)
}

func TestLoadCoins_ParsesJSONArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coins.json")
	coins := []CoinConfig{
		{Ticker: "BEER", RPCURL: "http://127.0.0.1:8332", RequiredConfirmations: 1},
		{Ticker: "PIZZA", RPCURL: "http://127.0.0.1:8545", RequiredConfirmations: 12},
	}
	data, err := json.Marshal(coins)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	loaded, err := LoadCoins(path)
	require.NoError(t, err)
	require.Equal(t, coins, loaded)
}

func TestLoadCoins_RejectsMissingTicker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coins.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"rpc_url":"http://x"}]`), 0o600))

	_, err := LoadCoins(path)
	require.Error(t, err)
}
