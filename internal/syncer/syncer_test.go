package syncer

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
	"github.com/tokentrigger/engine/internal/store"
	"github.com/tokentrigger/engine/pkg/utils"
)

var (
	testContract = common.HexToAddress("0x1111111111111111111111111111111111111111")
	holderA      = common.HexToAddress("0x2222222222222222222222222222222222222222")
	holderB      = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

// fakeChain serves canned contract state and can fail balance reads.
type fakeChain struct {
	tokens     []uint64
	holders    map[uint64][]common.Address
	balances   map[uint64]map[common.Address]string
	balanceErr error
}

func (f *fakeChain) Transfer(ctx context.Context, contract, from, to common.Address, tokenID uint64, amount decimal.Decimal) (string, error) {
	return "", errors.New("not supported")
}

func (f *fakeChain) ReadBalance(ctx context.Context, contract, account common.Address, tokenID uint64) (decimal.Decimal, error) {
	if f.balanceErr != nil {
		return decimal.Zero, f.balanceErr
	}
	return decimal.NewFromString(f.balances[tokenID][account])
}

func (f *fakeChain) ReadTokenMetadata(ctx context.Context, contract common.Address, tokenID uint64) (*ledger.TokenMetadata, error) {
	return &ledger.TokenMetadata{
		URI:         "ipfs://token",
		TotalSupply: decimal.NewFromInt(1000),
	}, nil
}

func (f *fakeChain) ReadTokenIDs(ctx context.Context, contract common.Address) ([]uint64, error) {
	return f.tokens, nil
}

func (f *fakeChain) ReadHolders(ctx context.Context, contract common.Address, tokenID uint64) ([]common.Address, error) {
	return f.holders[tokenID], nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	utils.InitLogger("error", "text", "stdout", "")

	st, err := store.NewStore(&store.StoreConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "syncer_test.db"),
		MaxConnections:   10,
		MaxIdleTime:      time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, st.Connect())
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })
	return st
}

func newChain() *fakeChain {
	return &fakeChain{
		tokens: []uint64{1, 2},
		holders: map[uint64][]common.Address{
			1: {holderA, holderB},
			2: {holderA},
		},
		balances: map[uint64]map[common.Address]string{
			1: {holderA: "40", holderB: "60"},
			2: {holderA: "100"},
		},
	}
}

func newTestSyncer(st store.Store, chain *fakeChain) *StorageSyncer {
	return NewStorageSyncer(st, chain, &SyncerConfig{
		Contract:    testContract,
		SyncTimeout: 10 * time.Second,
	}, nil)
}

func TestSyncCachesContractState(t *testing.T) {
	st := newTestStore(t)
	sync := newTestSyncer(st, newChain())
	ctx := context.Background()

	snapshot, err := sync.Sync(ctx, testContract)
	require.NoError(t, err)
	assert.Len(t, snapshot.Tokens, 2)
	assert.Len(t, snapshot.Balances, 3)

	token, err := st.GetCachedToken(ctx, testContract, 1)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "ipfs://token", token.URI)
	assert.True(t, token.TotalSupply.Equal(decimal.NewFromInt(1000)))

	balance, err := st.GetCachedBalance(ctx, testContract, holderB, 1)
	require.NoError(t, err)
	require.NotNil(t, balance)
	assert.True(t, balance.Amount.Equal(decimal.NewFromInt(60)))
}

func TestFailedSyncLeavesCacheUntouched(t *testing.T) {
	st := newTestStore(t)
	chain := newChain()
	sync := newTestSyncer(st, chain)
	ctx := context.Background()

	_, err := sync.Sync(ctx, testContract)
	require.NoError(t, err)

	// Change the chain state, then make the re-sync fail partway through.
	chain.balances[1][holderA] = "9999"
	chain.balanceErr = errors.New("node timeout")

	_, err = sync.Sync(ctx, testContract)
	require.Error(t, err)

	// The cache still holds the first snapshot, not a partial second one.
	balance, err := st.GetCachedBalance(ctx, testContract, holderA, 1)
	require.NoError(t, err)
	require.NotNil(t, balance)
	assert.True(t, balance.Amount.Equal(decimal.NewFromInt(40)),
		"failed sync must not leave partial state")

	balances, err := st.GetCachedBalances(ctx, testContract)
	require.NoError(t, err)
	assert.Len(t, balances, 3)

	stats := sync.GetStats()
	assert.Equal(t, uint64(2), stats.TotalSyncs)
	assert.Equal(t, uint64(1), stats.FailedSyncs)
	require.NotNil(t, stats.LastError)
}

func TestSyncResyncReplacesSnapshot(t *testing.T) {
	st := newTestStore(t)
	chain := newChain()
	sync := newTestSyncer(st, chain)
	ctx := context.Background()

	_, err := sync.Sync(ctx, testContract)
	require.NoError(t, err)

	// Token 2 disappears, holder A's balance changes.
	chain.tokens = []uint64{1}
	chain.balances[1][holderA] = "55"

	_, err = sync.Sync(ctx, testContract)
	require.NoError(t, err)

	gone, err := st.GetCachedToken(ctx, testContract, 2)
	require.NoError(t, err)
	assert.Nil(t, gone, "tokens absent from the new snapshot are removed")

	balance, err := st.GetCachedBalance(ctx, testContract, holderA, 1)
	require.NoError(t, err)
	assert.True(t, balance.Amount.Equal(decimal.NewFromInt(55)))
}

func TestPeriodicSyncRequiresInterval(t *testing.T) {
	st := newTestStore(t)
	sync := newTestSyncer(st, newChain())

	err := sync.Start(context.Background())
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeConfiguration))
}
