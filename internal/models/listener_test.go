package models

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokentrigger/engine/pkg/utils"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func baseListener(t *testing.T, action ActionType) *Listener {
	t.Helper()
	return &Listener{
		ID:          "l-1",
		Contract:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Owner:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
		TokenID:     7,
		TargetPrice: dec(t, "150"),
		Action:      action,
		Amount:      dec(t, "5"),
		Status:      StatusActive,
	}
}

func TestParseActionType(t *testing.T) {
	for _, valid := range []string{"sell", "buy", "transfer"} {
		action, err := ParseActionType(valid)
		require.NoError(t, err)
		assert.Equal(t, ActionType(valid), action)
	}

	_, err := ParseActionType("stake")
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
}

func TestValidateAmountMustBePositive(t *testing.T) {
	l := baseListener(t, ActionTransfer)
	recipient := common.HexToAddress("0x4444444444444444444444444444444444444444")
	l.Recipient = &recipient

	for _, amount := range []string{"0", "-1"} {
		l.Amount = dec(t, amount)
		err := l.Validate()
		require.Error(t, err, "amount %s must be rejected", amount)
		assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
	}
}

func TestValidateSellLimit(t *testing.T) {
	l := baseListener(t, ActionSell)

	// Missing limit.
	require.Error(t, l.Validate())

	// Limit above target is inconsistent for a sell.
	limit := dec(t, "200")
	l.PriceLimit = &limit
	require.Error(t, l.Validate())

	// Limit equal to target is a legal single-point trigger.
	limit = dec(t, "150")
	l.PriceLimit = &limit
	require.NoError(t, l.Validate())

	limit = dec(t, "100")
	l.PriceLimit = &limit
	require.NoError(t, l.Validate())
}

func TestValidateBuyLimit(t *testing.T) {
	l := baseListener(t, ActionBuy)

	require.Error(t, l.Validate())

	// Limit below target is inconsistent for a buy.
	limit := dec(t, "100")
	l.PriceLimit = &limit
	require.Error(t, l.Validate())

	limit = dec(t, "150")
	l.PriceLimit = &limit
	require.NoError(t, l.Validate())

	limit = dec(t, "200")
	l.PriceLimit = &limit
	require.NoError(t, l.Validate())
}

func TestValidateTransferRecipient(t *testing.T) {
	l := baseListener(t, ActionTransfer)

	require.Error(t, l.Validate(), "transfer without recipient must be rejected")

	zero := common.Address{}
	l.Recipient = &zero
	require.Error(t, l.Validate(), "zero recipient must be rejected")

	recipient := common.HexToAddress("0x4444444444444444444444444444444444444444")
	l.Recipient = &recipient
	require.NoError(t, l.Validate())
}

func TestEvaluationSummaryCounts(t *testing.T) {
	summary := &EvaluationSummary{
		TokenID:   7,
		Evaluated: 3,
		Outcomes: []*ExecutionOutcome{
			{ListenerID: "a", Status: OutcomeCompleted},
			{ListenerID: "b", Status: OutcomeFailed},
			{ListenerID: "c", Status: OutcomeCompleted},
		},
	}

	assert.Equal(t, 2, summary.FiredCount())
	assert.Equal(t, 1, summary.FailedCount())
}
