// Package feed connects to an external websocket price feed and forwards
// observations into the listener service.
package feed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tokentrigger/engine/internal/config"
	"github.com/tokentrigger/engine/internal/service"
	"github.com/tokentrigger/engine/pkg/utils"
)

// PriceMessage is the wire format of one feed message.
type PriceMessage struct {
	TokenID uint64          `json:"token_id"`
	Price   decimal.Decimal `json:"price"`
}

// WebSocketFeed reads price messages from a websocket endpoint and enqueues
// them into the service. Connection drops are retried with exponential
// backoff; malformed messages are skipped, not fatal.
type WebSocketFeed struct {
	service service.Service
	config  *config.FeedConfig
	logger  *logrus.Entry

	mu       sync.Mutex
	conn     *websocket.Conn
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	backoff  time.Duration
}

// NewWebSocketFeed creates a new websocket price feed
func NewWebSocketFeed(svc service.Service, cfg *config.FeedConfig) *WebSocketFeed {
	backoff := cfg.ReconnectDelay
	if backoff <= 0 {
		backoff = time.Second
	}
	return &WebSocketFeed{
		service: svc,
		config:  cfg,
		logger:  utils.GetLogger().WithField("component", "feed"),
		backoff: backoff,
	}
}

// Start begins reading from the feed with automatic reconnection
func (f *WebSocketFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return utils.NewAppError(utils.ErrCodeService, "Price feed already running", "")
	}
	if f.config.URL == "" {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Price feed URL not configured", "")
	}

	f.running = true
	f.stopChan = make(chan struct{})
	f.stopOnce = sync.Once{}

	f.wg.Add(1)
	go f.runLoop(ctx)

	f.logger.WithField("url", f.config.URL).Info("Price feed started")
	return nil
}

// Stop shuts down the feed
func (f *WebSocketFeed) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	f.stopOnce.Do(func() { close(f.stopChan) })
	f.closeConnection()
	f.wg.Wait()

	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	f.logger.Info("Price feed stopped")
	return nil
}

// IsRunning returns whether the feed is running
func (f *WebSocketFeed) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *WebSocketFeed) runLoop(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopChan:
			return
		default:
		}

		if err := f.connect(ctx); err != nil {
			f.logger.WithError(err).WithField("backoff", f.backoff).Warn("Feed connection failed")
			f.waitBackoff(ctx)
			continue
		}

		if err := f.readLoop(ctx); err != nil {
			f.logger.WithError(err).Warn("Feed read error")
		}
		f.closeConnection()

		select {
		case <-ctx.Done():
			return
		case <-f.stopChan:
			return
		default:
			f.waitBackoff(ctx)
		}
	}
}

func (f *WebSocketFeed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: f.config.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, f.config.URL, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeConnection, "Failed to connect to price feed", err.Error())
	}

	f.mu.Lock()
	f.conn = conn
	f.backoff = f.config.ReconnectDelay
	if f.backoff <= 0 {
		f.backoff = time.Second
	}
	f.mu.Unlock()

	f.logger.WithField("url", f.config.URL).Info("Feed connected")
	return nil
}

func (f *WebSocketFeed) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.stopChan:
			return nil
		default:
		}

		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return utils.NewAppError(utils.ErrCodeConnection, "Feed connection lost", "")
		}

		if f.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return utils.NewAppError(utils.ErrCodeConnection, "Feed read failed", err.Error())
		}

		f.handleMessage(ctx, message)
	}
}

func (f *WebSocketFeed) handleMessage(ctx context.Context, data []byte) {
	var msg PriceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.WithError(err).Debug("Skipping malformed feed message")
		return
	}

	if err := f.service.EnqueuePrice(ctx, msg.TokenID, msg.Price, "feed"); err != nil {
		f.logger.WithError(err).WithField("token_id", msg.TokenID).Warn("Failed to enqueue feed price")
	}
}

func (f *WebSocketFeed) closeConnection() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

func (f *WebSocketFeed) waitBackoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-f.stopChan:
	case <-time.After(f.backoff):
	}

	f.backoff *= 2
	if f.config.MaxReconnectWait > 0 && f.backoff > f.config.MaxReconnectWait {
		f.backoff = f.config.MaxReconnectWait
	}
}
