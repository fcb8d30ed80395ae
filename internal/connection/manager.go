package connection

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/tokentrigger/engine/internal/config"
	"github.com/tokentrigger/engine/pkg/utils"
)

// Manager defines the node connection manager interface
type Manager interface {
	GetClient(ctx context.Context) (*ethclient.Client, error)
	HealthCheck(ctx context.Context) error
	IsConnected() bool
	Close() error
	Stats() ConnectionStats
}

// ConnectionManager implements the Manager interface. It dials the primary
// node and falls back to backups, reconnecting when a health check fails.
type ConnectionManager struct {
	config          *config.NodeConfig
	client          *ethclient.Client
	currentURL      string
	mu              sync.RWMutex
	logger          *logrus.Logger
	stats           ConnectionStats
	lastHealthCheck time.Time
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	TotalRequests   uint64    `json:"total_requests"`
	FailedRequests  uint64    `json:"failed_requests"`
	Reconnects      uint64    `json:"reconnects"`
	CurrentURL      string    `json:"current_url"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	IsHealthy       bool      `json:"is_healthy"`
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(cfg *config.NodeConfig) *ConnectionManager {
	return &ConnectionManager{
		config: cfg,
		logger: utils.GetLogger(),
		stats: ConnectionStats{
			CurrentURL: cfg.URL,
		},
	}
}

// GetClient returns a connected client, establishing the connection on first
// use and reconnecting after a failed health check.
func (cm *ConnectionManager) GetClient(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.RLock()
	client := cm.client
	stale := time.Since(cm.lastHealthCheck) > time.Minute
	cm.mu.RUnlock()

	if client == nil {
		return cm.connect(ctx)
	}

	if stale {
		if err := cm.quickHealthCheck(ctx, client); err != nil {
			cm.logger.WithError(err).Warn("Node health check failed, reconnecting")
			return cm.reconnect(ctx)
		}
		cm.markHealthChecked()
	}

	cm.mu.Lock()
	cm.stats.TotalRequests++
	cm.mu.Unlock()

	return client, nil
}

// connect establishes a new connection, trying the primary URL and then the
// backups, for the configured number of attempts.
func (cm *ConnectionManager) connect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	urls := append([]string{cm.config.URL}, cm.config.BackupNodes...)

	var lastErr error
	for attempt := 0; attempt < max(cm.config.RetryAttempts, 1); attempt++ {
		for _, url := range urls {
			client, err := cm.dialWithTimeout(ctx, url)
			if err != nil {
				cm.logger.WithFields(logrus.Fields{"url": url, "error": err}).Warn("Node connection failed")
				cm.stats.FailedRequests++
				lastErr = err
				continue
			}

			if err := cm.quickHealthCheck(ctx, client); err != nil {
				client.Close()
				lastErr = err
				continue
			}

			cm.client = client
			cm.currentURL = url
			cm.stats.CurrentURL = url
			cm.stats.LastConnectedAt = time.Now()
			cm.stats.IsHealthy = true
			cm.lastHealthCheck = time.Now()
			cm.logger.WithField("url", url).Info("Connected to node")
			return client, nil
		}

		if cm.config.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cm.config.RetryDelay):
			}
		}
	}

	detail := ""
	if lastErr != nil {
		detail = lastErr.Error()
	}
	return nil, utils.NewAppError(utils.ErrCodeConnection, "Failed to connect to any node", detail)
}

// reconnect drops the current client and connects again
func (cm *ConnectionManager) reconnect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}
	cm.stats.Reconnects++
	cm.stats.IsHealthy = false
	cm.mu.Unlock()

	return cm.connect(ctx)
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context, url string) (*ethclient.Client, error) {
	dialCtx := ctx
	if cm.config.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cm.config.ConnectionTimeout)
		defer cancel()
	}
	return ethclient.DialContext(dialCtx, url)
}

// quickHealthCheck probes the node without touching manager state, so it is
// safe to call with or without cm.mu held.
func (cm *ConnectionManager) quickHealthCheck(ctx context.Context, client *ethclient.Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := client.BlockNumber(checkCtx)
	return err
}

func (cm *ConnectionManager) markHealthChecked() {
	cm.mu.Lock()
	cm.lastHealthCheck = time.Now()
	cm.mu.Unlock()
}

// HealthCheck verifies the current connection
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	client, err := cm.GetClient(ctx)
	if err != nil {
		return err
	}
	if err := cm.quickHealthCheck(ctx, client); err != nil {
		return err
	}
	cm.markHealthChecked()
	return nil
}

// IsConnected returns whether a client connection exists
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client != nil
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}
	cm.stats.IsHealthy = false
	return nil
}

// Stats returns connection statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.stats
}
