package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokentrigger/engine/pkg/utils"
)

func TestNewStoreSelectsBackend(t *testing.T) {
	utils.InitLogger("error", "text", "stdout", "")

	cfg := &StoreConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "factory_test.db"),
		MaxConnections:   10,
		MaxIdleTime:      time.Minute,
	}

	st, err := NewStore(cfg)
	require.NoError(t, err)
	_, ok := st.(*SQLiteStore)
	assert.True(t, ok, "sqlite config should produce a SQLite store")

	cfg.Type = "postgres"
	st, err = NewStore(cfg)
	require.NoError(t, err)
	_, ok = st.(*PostgreSQLStore)
	assert.True(t, ok, "postgres config should produce a PostgreSQL store")

	t.Log("✓ Store factory selects the configured backend")
}

func TestNewStoreUnsupportedType(t *testing.T) {
	_, err := NewStore(&StoreConfig{
		Type:             "sled",
		ConnectionString: "unused",
		MaxConnections:   10,
	})
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeConfiguration))

	t.Log("✓ Unsupported storage type rejected")
}

func TestValidateStoreConfig(t *testing.T) {
	valid := &StoreConfig{
		Type:             "sqlite",
		ConnectionString: "./trigger.db",
		MaxConnections:   10,
	}
	assert.NoError(t, ValidateStoreConfig(valid))

	missing := &StoreConfig{Type: "sqlite", MaxConnections: 10}
	assert.Error(t, ValidateStoreConfig(missing))

	badType := &StoreConfig{Type: "redis", ConnectionString: "x", MaxConnections: 10}
	assert.Error(t, ValidateStoreConfig(badType))

	t.Log("✓ Store config validation")
}
