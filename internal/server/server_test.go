package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokentrigger/engine/internal/executor"
	"github.com/tokentrigger/engine/internal/ledger"
	"github.com/tokentrigger/engine/internal/models"
	"github.com/tokentrigger/engine/internal/service"
	"github.com/tokentrigger/engine/internal/store"
	"github.com/tokentrigger/engine/pkg/utils"
)

var (
	testContract = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testOwner    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testMarket   = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

type fakeLedger struct{}

func (f *fakeLedger) Transfer(ctx context.Context, contract, from, to common.Address, tokenID uint64, amount decimal.Decimal) (string, error) {
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

func newTestServer(t *testing.T) (*httptest.Server, *service.ListenerService) {
	t.Helper()
	utils.InitLogger("error", "text", "stdout", "")

	st, err := store.NewStore(&store.StoreConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "server_test.db"),
		MaxConnections:   10,
		MaxIdleTime:      time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, st.Connect())
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	exec := executor.NewActionExecutor(st, &fakeLedger{}, &executor.ExecutorConfig{
		MarketAccount: testMarket,
	}, nil)

	svc := service.NewListenerService(st, exec, &service.ServiceConfig{
		Contract:  testContract,
		QueueSize: 8,
	}, nil)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { svc.Stop() })

	srv, err := NewHTTPServer(
		&ServerConfig{Port: 0, Host: "127.0.0.1", EnableHealth: true},
		&EngineDefaults{Contract: testContract, Owner: testOwner},
		st, svc, nil, nil,
	)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.router)
	t.Cleanup(ts.Close)

	return ts, svc
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["service_running"])
}

func TestRegisterAndFetchListener(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/listeners", map[string]interface{}{
		"token_id":     7,
		"target_price": "150",
		"action":       "sell",
		"amount":       "5",
		"price_limit":  "100",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.Listener
	decodeJSON(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, testContract, created.Contract)
	assert.Equal(t, testOwner, created.Owner)
	assert.Equal(t, models.StatusActive, created.Status)

	getResp, err := http.Get(ts.URL + "/api/v1/listeners/" + created.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	var fetched models.Listener
	decodeJSON(t, getResp, &fetched)
	assert.Equal(t, created.ID, fetched.ID)
}

func TestRegisterListenerRejectsInvalid(t *testing.T) {
	ts, _ := newTestServer(t)

	// Sell without a price limit.
	resp := postJSON(t, ts.URL+"/api/v1/listeners", map[string]interface{}{
		"token_id":     7,
		"target_price": "150",
		"action":       "sell",
		"amount":       "5",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown action.
	resp = postJSON(t, ts.URL+"/api/v1/listeners", map[string]interface{}{
		"token_id":     7,
		"target_price": "150",
		"action":       "stake",
		"amount":       "5",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitPriceEvaluates(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/listeners", map[string]interface{}{
		"token_id":     7,
		"target_price": "150",
		"action":       "sell",
		"amount":       "5",
		"price_limit":  "100",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/v1/prices", map[string]interface{}{
		"token_id": 7,
		"price":    "150",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary models.EvaluationSummary
	decodeJSON(t, resp, &summary)
	assert.Equal(t, 1, summary.Evaluated)
	assert.Equal(t, 1, summary.FiredCount())

	// The recorded price is queryable afterwards.
	priceResp, err := http.Get(ts.URL + "/api/v1/prices/7")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, priceResp.StatusCode)

	var obs models.PriceObservation
	decodeJSON(t, priceResp, &obs)
	assert.True(t, obs.Price.Equal(decimal.NewFromInt(150)))
}

func TestGetPriceNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/prices/999")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelListenerEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/listeners", map[string]interface{}{
		"token_id":     7,
		"target_price": "150",
		"action":       "transfer",
		"amount":       "5",
		"recipient":    "0x4444444444444444444444444444444444444444",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.Listener
	decodeJSON(t, resp, &created)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/listeners/"+created.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)

	// Cancelling the same listener again is a 404.
	delResp2, err := http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	defer delResp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, delResp2.StatusCode)
}

func TestListListenersFilter(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, tokenID := range []int{1, 1, 2} {
		resp := postJSON(t, ts.URL+"/api/v1/listeners", map[string]interface{}{
			"token_id":     tokenID,
			"target_price": "150",
			"action":       "sell",
			"amount":       "5",
			"price_limit":  "100",
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/v1/listeners?token_id=1")
	require.NoError(t, err)

	var body struct {
		Listeners []*models.Listener `json:"listeners"`
		Total     int                `json:"total"`
	}
	decodeJSON(t, resp, &body)
	assert.Equal(t, 2, body.Total)
}
