package store

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/tokentrigger/engine/internal/models"
)

// Store defines the interface for listener, price and cache persistence.
//
// Atomicity guarantees: every single-row write (PutListener, MarkFired,
// CancelListener, RecordPrice) is durable before the call returns.
// ReplaceContractCache runs inside one transaction so a failed sync never
// leaves a partial snapshot. MarkFired is guarded on the current status row,
// making it idempotent under retried evaluation.
type Store interface {
	// Connection management
	Connect() error
	Close() error
	Ping() error
	Migrate() error

	// Listener operations
	PutListener(ctx context.Context, listener *models.Listener) error
	GetListener(ctx context.Context, id string) (*models.Listener, error)
	GetActiveListeners(ctx context.Context, contract common.Address, tokenID uint64) ([]*models.Listener, error)
	GetListeners(ctx context.Context, filter models.ListenerFilter) ([]*models.Listener, error)
	MarkFired(ctx context.Context, id string, txRef string) error
	CancelListener(ctx context.Context, id string) error

	// Price operations
	RecordPrice(ctx context.Context, tokenID uint64, price decimal.Decimal) error
	GetLatestPrice(ctx context.Context, tokenID uint64) (*models.PriceObservation, error)

	// Contract state cache (storage syncer)
	ReplaceContractCache(ctx context.Context, snapshot *models.ContractSnapshot) error
	GetCachedToken(ctx context.Context, contract common.Address, tokenID uint64) (*models.CachedToken, error)
	GetCachedBalance(ctx context.Context, contract, account common.Address, tokenID uint64) (*models.CachedBalance, error)
	GetCachedBalances(ctx context.Context, contract common.Address) ([]*models.CachedBalance, error)

	// Statistics
	GetStats(ctx context.Context) (*StoreStats, error)
}

// StoreStats provides storage statistics
type StoreStats struct {
	TotalListeners  int64      `json:"total_listeners"`
	ActiveListeners int64      `json:"active_listeners"`
	FiredListeners  int64      `json:"fired_listeners"`
	TrackedTokens   int64      `json:"tracked_tokens"`
	CachedBalances  int64      `json:"cached_balances"`
	LatestSync      *time.Time `json:"latest_sync,omitempty"`
}

// StoreConfig holds storage configuration
type StoreConfig struct {
	Type             string        `json:"type"`
	ConnectionString string        `json:"connection_string"`
	MaxConnections   int           `json:"max_connections"`
	MaxIdleTime      time.Duration `json:"max_idle_time"`
}
