// Package evaluator holds the pure trigger decision logic. It performs no
// I/O, which is what makes retried dispatch safe: the same listener and price
// always produce the same decision.
package evaluator

import (
	"github.com/shopspring/decimal"

	"github.com/tokentrigger/engine/internal/models"
)

// Evaluate decides whether a listener fires on the given price and, if so,
// returns the action intent to dispatch.
//
// A listener fires only when the price equals the target exactly; the update
// granularity upstream is discrete, so an overshoot that skips the target
// does not fire. Sell and buy additionally require the price to satisfy the
// limit (sell: price >= limit, buy: price <= limit). Transfers have no limit.
// Non-active listeners never fire regardless of price.
func Evaluate(listener *models.Listener, price decimal.Decimal) (*models.ActionIntent, bool) {
	if listener.Status != models.StatusActive {
		return nil, false
	}

	if !price.Equal(listener.TargetPrice) {
		return nil, false
	}

	switch listener.Action {
	case models.ActionSell:
		if listener.PriceLimit != nil && price.Cmp(*listener.PriceLimit) < 0 {
			return nil, false
		}
	case models.ActionBuy:
		if listener.PriceLimit != nil && price.Cmp(*listener.PriceLimit) > 0 {
			return nil, false
		}
	case models.ActionTransfer:
		// No bound check; a price limit on a transfer listener is ignored.
	default:
		return nil, false
	}

	return &models.ActionIntent{Listener: listener, Price: price}, true
}
