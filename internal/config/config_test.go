package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "trigger-engine", cfg.App.Name)
	assert.Equal(t, "ws://127.0.0.1:8546", cfg.Node.URL)
	assert.Equal(t, int64(31), cfg.Node.ChainID)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 100, cfg.Engine.QueueSize)
	assert.False(t, cfg.Feed.Enabled)
	assert.Equal(t, 8082, cfg.Server.Port)

	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	content := []byte(`
node:
  url: ws://node.example:8546
  chain_id: 30
storage:
  type: postgres
  connection_string: postgres://localhost/trigger
engine:
  contract: "0x1111111111111111111111111111111111111111"
  queue_size: 16
`)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://node.example:8546", cfg.Node.URL)
	assert.Equal(t, int64(30), cfg.Node.ChainID)
	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, 16, cfg.Engine.QueueSize)
	// Unset values still fall back to defaults.
	assert.Equal(t, 8082, cfg.Server.Port)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("TRIGGER_NODE_URL", "ws://override.example:8546")
	t.Setenv("DATABASE_URL", "postgres://env/trigger")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ws://override.example:8546", cfg.Node.URL)
	assert.Equal(t, "postgres://env/trigger", cfg.Storage.ConnectionString)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Node.URL = ""
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.Engine.QueueSize = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load("")
	cfg.Feed.Enabled = true
	cfg.Feed.URL = ""
	assert.Error(t, cfg.Validate())
}
