package executor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokentrigger/engine/internal/ledger"
	"github.com/tokentrigger/engine/internal/models"
	"github.com/tokentrigger/engine/internal/store"
	"github.com/tokentrigger/engine/pkg/utils"
)

var (
	testContract  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testOwner     = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testMarket    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testRecipient = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

// fakeLedger records transfer calls and returns a canned result.
type fakeLedger struct {
	err       error
	transfers []transferCall
}

type transferCall struct {
	contract, from, to common.Address
	tokenID            uint64
	amount             decimal.Decimal
}

func (f *fakeLedger) Transfer(ctx context.Context, contract, from, to common.Address, tokenID uint64, amount decimal.Decimal) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.transfers = append(f.transfers, transferCall{contract, from, to, tokenID, amount})
	return "0xfaketx", nil
}

func (f *fakeLedger) ReadBalance(ctx context.Context, contract, account common.Address, tokenID uint64) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakeLedger) ReadTokenMetadata(ctx context.Context, contract common.Address, tokenID uint64) (*ledger.TokenMetadata, error) {
	return &ledger.TokenMetadata{}, nil
}

func (f *fakeLedger) ReadTokenIDs(ctx context.Context, contract common.Address) ([]uint64, error) {
	return nil, nil
}

func (f *fakeLedger) ReadHolders(ctx context.Context, contract common.Address, tokenID uint64) ([]common.Address, error) {
	return nil, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	utils.InitLogger("error", "text", "stdout", "")

	st, err := store.NewStore(&store.StoreConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "executor_test.db"),
		MaxConnections:   10,
		MaxIdleTime:      time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, st.Connect())
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })
	return st
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func storedListener(t *testing.T, st store.Store, id string, action models.ActionType) *models.Listener {
	t.Helper()

	l := &models.Listener{
		ID:          id,
		Contract:    testContract,
		Owner:       testOwner,
		TokenID:     7,
		TargetPrice: dec(t, "150"),
		Action:      action,
		Amount:      dec(t, "5"),
		Status:      models.StatusActive,
		CreatedAt:   time.Now().UTC(),
	}
	switch action {
	case models.ActionSell:
		limit := dec(t, "100")
		l.PriceLimit = &limit
	case models.ActionBuy:
		limit := dec(t, "200")
		l.PriceLimit = &limit
	case models.ActionTransfer:
		l.Recipient = &testRecipient
	}
	require.NoError(t, st.PutListener(context.Background(), l))
	return l
}

func newExecutor(st store.Store, ld ledger.Ledger) *ActionExecutor {
	return NewActionExecutor(st, ld, &ExecutorConfig{
		MarketAccount:    testMarket,
		ExecutionTimeout: 5 * time.Second,
	}, nil)
}

func TestExecuteSell(t *testing.T) {
	st := newTestStore(t)
	ld := &fakeLedger{}
	exec := newExecutor(st, ld)
	ctx := context.Background()

	listener := storedListener(t, st, "l-sell", models.ActionSell)

	outcome, err := exec.Execute(ctx, &models.ActionIntent{Listener: listener, Price: dec(t, "150")})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, outcome.Status)
	assert.Equal(t, "0xfaketx", outcome.TxRef)

	// Sell moves tokens from the owner to the market account.
	require.Len(t, ld.transfers, 1)
	assert.Equal(t, testOwner, ld.transfers[0].from)
	assert.Equal(t, testMarket, ld.transfers[0].to)
	assert.True(t, ld.transfers[0].amount.Equal(dec(t, "5")))

	// The listener is retired only after the transfer succeeded.
	got, err := st.GetListener(ctx, "l-sell")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFired, got.Status)
	assert.Equal(t, "0xfaketx", *got.TxRef)
}

func TestExecuteBuy(t *testing.T) {
	st := newTestStore(t)
	ld := &fakeLedger{}
	exec := newExecutor(st, ld)

	listener := storedListener(t, st, "l-buy", models.ActionBuy)

	outcome, err := exec.Execute(context.Background(), &models.ActionIntent{Listener: listener, Price: dec(t, "150")})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, outcome.Status)

	// Buy moves tokens from the market account to the owner.
	require.Len(t, ld.transfers, 1)
	assert.Equal(t, testMarket, ld.transfers[0].from)
	assert.Equal(t, testOwner, ld.transfers[0].to)
}

func TestExecuteTransfer(t *testing.T) {
	st := newTestStore(t)
	ld := &fakeLedger{}
	exec := newExecutor(st, ld)

	listener := storedListener(t, st, "l-xfer", models.ActionTransfer)

	outcome, err := exec.Execute(context.Background(), &models.ActionIntent{Listener: listener, Price: dec(t, "150")})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, outcome.Status)

	require.Len(t, ld.transfers, 1)
	assert.Equal(t, testOwner, ld.transfers[0].from)
	assert.Equal(t, testRecipient, ld.transfers[0].to)
}

func TestExecuteLedgerFailureLeavesListenerActive(t *testing.T) {
	st := newTestStore(t)
	ld := &fakeLedger{err: errors.New("insufficient balance")}
	exec := newExecutor(st, ld)
	ctx := context.Background()

	listener := storedListener(t, st, "l-fail", models.ActionSell)

	outcome, err := exec.Execute(ctx, &models.ActionIntent{Listener: listener, Price: dec(t, "150")})
	require.NoError(t, err, "a ledger failure is an outcome, not an executor error")
	assert.Equal(t, models.OutcomeFailed, outcome.Status)
	assert.Contains(t, outcome.Reason, "insufficient balance")
	assert.Empty(t, outcome.TxRef)

	// The listener stays active and eligible for a later attempt.
	got, err := st.GetListener(ctx, "l-fail")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	assert.Nil(t, got.TxRef)
}

func TestExecuteTransferWithoutRecipientFails(t *testing.T) {
	st := newTestStore(t)
	ld := &fakeLedger{}
	exec := newExecutor(st, ld)

	// A recipient-less transfer cannot be stored, but the executor must
	// still refuse one handed to it directly.
	listener := &models.Listener{
		ID:          "l-norecipient",
		Contract:    testContract,
		Owner:       testOwner,
		TokenID:     7,
		TargetPrice: dec(t, "150"),
		Action:      models.ActionTransfer,
		Amount:      dec(t, "5"),
		Status:      models.StatusActive,
	}

	outcome, err := exec.Execute(context.Background(), &models.ActionIntent{Listener: listener, Price: dec(t, "150")})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, outcome.Status)
	assert.Empty(t, ld.transfers)
}
