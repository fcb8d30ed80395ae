package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// CachedToken is a locally mirrored token row for one contract.
type CachedToken struct {
	Contract    common.Address  `json:"contract" db:"contract"`
	TokenID     uint64          `json:"token_id" db:"token_id"`
	URI         string          `json:"uri" db:"uri"`
	TotalSupply decimal.Decimal `json:"total_supply" db:"total_supply"`
	SyncedAt    time.Time       `json:"synced_at" db:"synced_at"`
}

// CachedBalance is a locally mirrored (account, token) balance row.
type CachedBalance struct {
	Contract common.Address  `json:"contract" db:"contract"`
	TokenID  uint64          `json:"token_id" db:"token_id"`
	Account  common.Address  `json:"account" db:"account"`
	Amount   decimal.Decimal `json:"amount" db:"amount"`
	SyncedAt time.Time       `json:"synced_at" db:"synced_at"`
}

// ContractSnapshot holds the full mirrored state for one contract. A sync
// replaces the previous snapshot wholesale; there is no incremental merge.
type ContractSnapshot struct {
	Contract common.Address   `json:"contract"`
	Tokens   []*CachedToken   `json:"tokens"`
	Balances []*CachedBalance `json:"balances"`
	SyncedAt time.Time        `json:"synced_at"`
}
