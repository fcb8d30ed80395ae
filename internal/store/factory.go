package store

import (
	"strings"

	"github.com/tokentrigger/engine/pkg/utils"
)

// NewStore creates a new store instance based on configuration
func NewStore(cfg *StoreConfig) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "sqlite":
		return NewSQLiteStore(cfg), nil
	case "postgres", "postgresql":
		return NewPostgreSQLStore(cfg), nil
	default:
		return nil, utils.NewAppError(utils.ErrCodeConfiguration,
			"Unsupported storage type", cfg.Type)
	}
}

// ValidateStoreConfig validates storage configuration
func ValidateStoreConfig(cfg *StoreConfig) error {
	if cfg.Type == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Storage type is required", "")
	}
	if cfg.ConnectionString == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Storage connection string is required", "")
	}
	if cfg.MaxConnections <= 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Max connections must be positive", "")
	}

	switch strings.ToLower(cfg.Type) {
	case "sqlite", "postgres", "postgresql":
		return nil
	default:
		return utils.NewAppError(utils.ErrCodeConfiguration,
			"Unsupported storage type", "Supported types: sqlite, postgres")
	}
}
