package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokentrigger/engine/internal/config"
	"github.com/tokentrigger/engine/pkg/utils"
)

// newTestNode serves just enough JSON-RPC for dialing and eth_blockNumber.
func newTestNode(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  "0x10",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(t *testing.T, url string) *ConnectionManager {
	t.Helper()
	utils.InitLogger("error", "text", "stdout", "")

	cm := NewConnectionManager(&config.NodeConfig{
		URL:               url,
		RetryAttempts:     1,
		ConnectionTimeout: 5 * time.Second,
	})
	t.Cleanup(func() { cm.Close() })
	return cm
}

func TestGetClientConnectsAndReuses(t *testing.T) {
	node := newTestNode(t)
	cm := newTestManager(t, node.URL)
	ctx := context.Background()

	client, err := cm.GetClient(ctx)
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.True(t, cm.IsConnected())

	again, err := cm.GetClient(ctx)
	require.NoError(t, err)
	assert.Same(t, client, again, "healthy connection should be reused")

	stats := cm.Stats()
	assert.Equal(t, node.URL, stats.CurrentURL)
	assert.True(t, stats.IsHealthy)

	t.Log("✓ Connection established and reused")
}

func TestGetClientConcurrent(t *testing.T) {
	node := newTestNode(t)
	cm := newTestManager(t, node.URL)
	ctx := context.Background()

	_, err := cm.GetClient(ctx)
	require.NoError(t, err)

	// Force the stale health-check path alongside plain reuse so the
	// timestamp is read and written from many goroutines at once.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if n%2 == 0 {
					cm.mu.Lock()
					cm.lastHealthCheck = time.Time{}
					cm.mu.Unlock()
				}
				_, err := cm.GetClient(ctx)
				assert.NoError(t, err)
				_ = cm.HealthCheck(ctx)
			}
		}(i)
	}
	wg.Wait()

	assert.True(t, cm.IsConnected())
	t.Log("✓ Concurrent client access")
}

func TestGetClientAllNodesDown(t *testing.T) {
	cm := newTestManager(t, "http://127.0.0.1:1")

	_, err := cm.GetClient(context.Background())
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.ErrCodeConnection))
	assert.False(t, cm.IsConnected())

	t.Log("✓ Connection failure surfaces a connection error")
}
