package evaluator

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokentrigger/engine/internal/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func newListener(action models.ActionType, target string, limit *decimal.Decimal) *models.Listener {
	recipient := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	l := &models.Listener{
		ID:          "test-listener",
		Contract:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Owner:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
		TokenID:     7,
		TargetPrice: dec(target),
		Action:      action,
		Amount:      dec("10"),
		PriceLimit:  limit,
		Status:      models.StatusActive,
	}
	if action == models.ActionTransfer {
		l.Recipient = &recipient
	}
	return l
}

func TestEvaluateFiresOnExactTarget(t *testing.T) {
	listener := newListener(models.ActionSell, "150", decPtr("100"))

	intent, fired := Evaluate(listener, dec("150"))
	require.True(t, fired, "Listener should fire when price equals target")
	require.NotNil(t, intent)
	assert.Equal(t, listener, intent.Listener)
	assert.True(t, intent.Price.Equal(dec("150")))
}

func TestEvaluateDoesNotFireOffTarget(t *testing.T) {
	listener := newListener(models.ActionSell, "150", decPtr("100"))

	// A price above the target does not fire: the condition is equality,
	// not a threshold crossing.
	for _, price := range []string{"149", "151", "1000", "0"} {
		_, fired := Evaluate(listener, dec(price))
		assert.False(t, fired, "price %s should not fire target 150", price)
	}
}

func TestEvaluateDecimalEquality(t *testing.T) {
	listener := newListener(models.ActionTransfer, "1.50", nil)

	// Trailing zeros must not affect equality.
	_, fired := Evaluate(listener, dec("1.5"))
	assert.True(t, fired, "1.5 should equal target 1.50")
}

func TestEvaluateSellLimit(t *testing.T) {
	// Degenerate but legal: target equals the minimum price.
	listener := newListener(models.ActionSell, "100", decPtr("100"))
	_, fired := Evaluate(listener, dec("100"))
	assert.True(t, fired, "sell at target == limit should fire")

	// Limit above target can never fire; validation rejects it, but the
	// evaluator must still hold the bound.
	listener = newListener(models.ActionSell, "100", decPtr("120"))
	_, fired = Evaluate(listener, dec("100"))
	assert.False(t, fired, "sell below the minimum price must not fire")
}

func TestEvaluateBuyLimit(t *testing.T) {
	listener := newListener(models.ActionBuy, "100", decPtr("100"))
	_, fired := Evaluate(listener, dec("100"))
	assert.True(t, fired, "buy at target == limit should fire")

	listener = newListener(models.ActionBuy, "100", decPtr("80"))
	_, fired = Evaluate(listener, dec("100"))
	assert.False(t, fired, "buy above the maximum price must not fire")
}

func TestEvaluateTransferIgnoresLimit(t *testing.T) {
	listener := newListener(models.ActionTransfer, "100", decPtr("500"))

	_, fired := Evaluate(listener, dec("100"))
	assert.True(t, fired, "transfer has no bound check")
}

func TestEvaluateNonActiveNeverFires(t *testing.T) {
	for _, status := range []models.ListenerStatus{models.StatusFired, models.StatusCancelled} {
		listener := newListener(models.ActionTransfer, "100", nil)
		listener.Status = status

		_, fired := Evaluate(listener, dec("100"))
		assert.False(t, fired, "status %s should never fire", status)
	}
}

func TestEvaluateUnknownActionDoesNotFire(t *testing.T) {
	listener := newListener(models.ActionSell, "100", decPtr("90"))
	listener.Action = models.ActionType("stake")

	_, fired := Evaluate(listener, dec("100"))
	assert.False(t, fired)
}
