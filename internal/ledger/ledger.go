// Package ledger wraps the external token contract. The engine never touches
// balances directly; every balance-affecting operation and every read of
// on-chain token state goes through the Ledger interface.
package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TokenMetadata is the on-chain metadata for one token id.
type TokenMetadata struct {
	URI         string          `json:"uri"`
	TotalSupply decimal.Decimal `json:"total_supply"`
}

// Ledger is the token-contract collaborator. Transfer reports success only
// once the transaction is durably accepted by the chain; the read methods
// never mutate state.
type Ledger interface {
	// Transfer moves amount of tokenID from one account to another and
	// returns a transaction reference.
	Transfer(ctx context.Context, contract, from, to common.Address, tokenID uint64, amount decimal.Decimal) (string, error)

	// ReadBalance returns the balance of an account for a token.
	ReadBalance(ctx context.Context, contract, account common.Address, tokenID uint64) (decimal.Decimal, error)

	// ReadTokenMetadata returns the URI and total supply of a token.
	ReadTokenMetadata(ctx context.Context, contract common.Address, tokenID uint64) (*TokenMetadata, error)

	// ReadTokenIDs enumerates the token ids registered on the contract.
	ReadTokenIDs(ctx context.Context, contract common.Address) ([]uint64, error)

	// ReadHolders enumerates the accounts holding a token.
	ReadHolders(ctx context.Context, contract common.Address, tokenID uint64) ([]common.Address, error)
}
