package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/agentpay/types"
)

const validYAML = `
ledger:
  network: avalanche-fuji
  rpc_url: https://api.avax-test.network/ext/bc/C/rpc
payments:
  receiving_address: "0x1111111111111111111111111111111111111111"
tools:
  - id: cedula-lookup
    name: Cedula Lookup
    endpoint: https://verify.example.com/cedula
    price: "0.001"
    parameters:
      required: [cedula]
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.False(t, cfg.Server.AllowUnscopedList)
	assert.Equal(t, types.NetworkFuji, cfg.Ledger.Network)
	assert.Equal(t, 1, cfg.Ledger.MinConfirmations)
	assert.Equal(t, 30*time.Second, cfg.Ledger.Timeout)
	assert.Equal(t, 3, cfg.Ledger.RetryCount)
	assert.Equal(t, 10*time.Minute, cfg.Payments.ChallengeWindow)
	assert.Equal(t, "sqlite", cfg.Storage.Redemptions.Driver)
	assert.NotEmpty(t, cfg.Storage.Redemptions.Path)
	assert.Equal(t, "info", cfg.Log.Level)

	require.Len(t, cfg.Tools, 1)
	assert.Equal(t, "AVAX", cfg.Tools[0].Currency, "currency defaults to the network's native asset")
	assert.Equal(t, "POST", cfg.Tools[0].HTTPMethod)
}

func TestLoadRelativePathsAnchoredToConfigDir(t *testing.T) {
	path := writeConfig(t, `
ledger:
  network: local
  rpc_url: http://localhost:8545
payments:
  receiving_address: "0x1111111111111111111111111111111111111111"
storage:
  conversations_path: state/conversations.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "state", "conversations.db"), cfg.Storage.ConversationsPath)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing rpc url", yaml: `
ledger:
  network: local
payments:
  receiving_address: "0x1111111111111111111111111111111111111111"
`},
		{name: "missing receiving address", yaml: `
ledger:
  network: local
  rpc_url: http://localhost:8545
`},
		{name: "bad tool descriptor", yaml: `
ledger:
  network: local
  rpc_url: http://localhost:8545
payments:
  receiving_address: "0x1111111111111111111111111111111111111111"
tools:
  - id: broken
    name: Broken
`},
		{name: "bad redemption driver", yaml: validYAML + `
storage:
  redemptions:
    driver: cassandra
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Equal(t, types.ErrConfig, types.CodeOf(err))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.CodeOf(err))

	_, err = Load("")
	assert.Equal(t, types.ErrConfig, types.CodeOf(err))
}
