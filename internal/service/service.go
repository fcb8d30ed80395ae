// Package service runs the listener evaluation loop.
//
// All price observations flow through one buffered channel into a single
// loop goroutine, so evaluation and execution for an observation finish
// before the next observation is looked at. This serialization is what
// makes "fires at most once" hold without row locking: a listener fired
// by one observation is already marked fired before any later observation
// can see it.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tokentrigger/engine/internal/evaluator"
	"github.com/tokentrigger/engine/internal/executor"
	"github.com/tokentrigger/engine/internal/metrics"
	"github.com/tokentrigger/engine/internal/models"
	"github.com/tokentrigger/engine/internal/store"
	"github.com/tokentrigger/engine/pkg/utils"
)

// Service defines the listener service interface
type Service interface {
	// Lifecycle management
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
	Wait() error

	// Price ingestion
	SubmitPrice(ctx context.Context, tokenID uint64, price decimal.Decimal) (*models.EvaluationSummary, error)
	EnqueuePrice(ctx context.Context, tokenID uint64, price decimal.Decimal, source string) error

	// Listener management
	RegisterListener(ctx context.Context, listener *models.Listener) error
	CancelListener(ctx context.Context, id string) error
	GetListener(ctx context.Context, id string) (*models.Listener, error)
	GetListeners(ctx context.Context, filter models.ListenerFilter) ([]*models.Listener, error)
	GetLatestPrice(ctx context.Context, tokenID uint64) (*models.PriceObservation, error)

	// Statistics
	GetStats() *ServiceStats
}

// SummarySink receives the summary of every processed observation that was
// not submitted synchronously. The foreground runner prints these; the
// background runner discards them.
type SummarySink func(summary *models.EvaluationSummary)

// ServiceConfig holds listener service configuration
type ServiceConfig struct {
	Contract  common.Address `json:"contract"`
	QueueSize int            `json:"queue_size"`
}

// ServiceStats provides service statistics
type ServiceStats struct {
	StartTime             time.Time     `json:"start_time"`
	Uptime                time.Duration `json:"uptime"`
	IsRunning             bool          `json:"is_running"`
	ObservationsProcessed uint64        `json:"observations_processed"`
	ListenersFired        uint64        `json:"listeners_fired"`
	ExecutionFailures     uint64        `json:"execution_failures"`
	LastError             *string       `json:"last_error,omitempty"`
	LastErrorTime         *time.Time    `json:"last_error_time,omitempty"`
}

type observationRequest struct {
	tokenID uint64
	price   decimal.Decimal
	source  string
	reply   chan *observationResult
}

type observationResult struct {
	summary *models.EvaluationSummary
	err     error
}

// ListenerService implements the Service interface
type ListenerService struct {
	// Dependencies
	store    store.Store
	executor executor.Executor
	logger   *logrus.Entry

	// Configuration
	config *ServiceConfig
	sink   SummarySink

	// State management
	mu           sync.RWMutex
	running      bool
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
	observations chan *observationRequest
	done         chan struct{}
	loopErr      error

	// Statistics
	stats          *ServiceStats
	metricsManager *metrics.PrometheusMetrics
}

// NewListenerService creates a new listener service
func NewListenerService(
	st store.Store,
	exec executor.Executor,
	config *ServiceConfig,
	m *metrics.PrometheusMetrics,
) *ListenerService {
	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	return &ListenerService{
		store:          st,
		executor:       exec,
		config:         config,
		logger:         utils.GetLogger().WithField("component", "service"),
		observations:   make(chan *observationRequest, queueSize),
		metricsManager: m,
		stats:          &ServiceStats{},
	}
}

// SetSummarySink installs the sink that receives asynchronous summaries.
// Must be called before Start.
func (s *ListenerService) SetSummarySink(sink SummarySink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Start starts the evaluation loop
func (s *ListenerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return utils.NewAppError(utils.ErrCodeService, "Listener service already running", "")
	}

	s.logger.WithFields(logrus.Fields{
		"contract":   s.config.Contract.Hex(),
		"queue_size": cap(s.observations),
	}).Info("Starting listener service")

	s.running = true
	s.stopChan = make(chan struct{})
	s.stopOnce = sync.Once{}
	s.done = make(chan struct{})
	s.loopErr = nil
	s.stats.StartTime = time.Now()
	s.stats.IsRunning = true

	s.wg.Add(1)
	go s.evaluationLoop(ctx)

	return nil
}

// Stop stops the evaluation loop, waiting for any in-flight observation to
// finish processing.
func (s *ListenerService) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return utils.NewAppError(utils.ErrCodeService, "Listener service not running", "")
	}
	s.mu.Unlock()

	s.logger.Info("Stopping listener service")
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.stats.IsRunning = false
	s.mu.Unlock()

	s.logger.Info("Listener service stopped")
	return nil
}

// IsRunning returns whether the service is running
func (s *ListenerService) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Wait blocks until the evaluation loop has exited and returns the error
// that terminated it, if any.
func (s *ListenerService) Wait() error {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	if done == nil {
		return utils.NewAppError(utils.ErrCodeService, "Listener service never started", "")
	}
	<-done

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loopErr
}

// SubmitPrice submits a price observation and blocks until it has been
// fully evaluated, returning the evaluation summary.
func (s *ListenerService) SubmitPrice(ctx context.Context, tokenID uint64, price decimal.Decimal) (*models.EvaluationSummary, error) {
	req := &observationRequest{
		tokenID: tokenID,
		price:   price,
		source:  "api",
		reply:   make(chan *observationResult, 1),
	}

	if err := s.enqueue(ctx, req); err != nil {
		return nil, err
	}

	select {
	case res := <-req.reply:
		return res.summary, res.err
	case <-ctx.Done():
		return nil, utils.NewAppError(utils.ErrCodeService, "Price submission cancelled", ctx.Err().Error())
	}
}

// EnqueuePrice submits a price observation without waiting for evaluation.
// The summary is delivered to the configured sink.
func (s *ListenerService) EnqueuePrice(ctx context.Context, tokenID uint64, price decimal.Decimal, source string) error {
	return s.enqueue(ctx, &observationRequest{
		tokenID: tokenID,
		price:   price,
		source:  source,
	})
}

func (s *ListenerService) enqueue(ctx context.Context, req *observationRequest) error {
	s.mu.RLock()
	running := s.running
	stopChan := s.stopChan
	s.mu.RUnlock()

	if !running {
		return utils.NewAppError(utils.ErrCodeService, "Listener service not running", "")
	}

	select {
	case s.observations <- req:
		return nil
	case <-stopChan:
		return utils.NewAppError(utils.ErrCodeService, "Listener service stopping", "")
	case <-ctx.Done():
		return utils.NewAppError(utils.ErrCodeService, "Price submission cancelled", ctx.Err().Error())
	}
}

// RegisterListener validates and persists a new listener
func (s *ListenerService) RegisterListener(ctx context.Context, listener *models.Listener) error {
	if listener.Status == "" {
		listener.Status = models.StatusActive
	}
	if listener.CreatedAt.IsZero() {
		listener.CreatedAt = time.Now().UTC()
	}

	if err := s.store.PutListener(ctx, listener); err != nil {
		return err
	}

	if s.metricsManager != nil {
		s.metricsManager.RecordListenerRegistered()
	}

	s.logger.WithFields(logrus.Fields{
		"listener_id":  listener.ID,
		"token_id":     listener.TokenID,
		"action":       listener.Action,
		"target_price": listener.TargetPrice.String(),
	}).Info("Listener registered")

	return nil
}

// CancelListener cancels an active listener
func (s *ListenerService) CancelListener(ctx context.Context, id string) error {
	if err := s.store.CancelListener(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("listener_id", id).Info("Listener cancelled")
	return nil
}

// GetListener returns a listener by ID
func (s *ListenerService) GetListener(ctx context.Context, id string) (*models.Listener, error) {
	return s.store.GetListener(ctx, id)
}

// GetListeners returns listeners matching the filter
func (s *ListenerService) GetListeners(ctx context.Context, filter models.ListenerFilter) ([]*models.Listener, error) {
	return s.store.GetListeners(ctx, filter)
}

// GetLatestPrice returns the latest recorded price for a token
func (s *ListenerService) GetLatestPrice(ctx context.Context, tokenID uint64) (*models.PriceObservation, error) {
	return s.store.GetLatestPrice(ctx, tokenID)
}

// GetStats returns service statistics
func (s *ListenerService) GetStats() *ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := *s.stats
	if s.running {
		stats.Uptime = time.Since(s.stats.StartTime)
	}
	return &stats
}

// evaluationLoop is the single goroutine through which all observations
// pass. A storage failure is fatal: the loop records the error and exits
// rather than continue against a store whose state it can no longer trust.
func (s *ListenerService) evaluationLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)
	defer s.markStopped()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			s.logger.Info("Evaluation loop context cancelled")
			return
		case req := <-s.observations:
			summary, err := s.processObservation(ctx, req)
			if req.reply != nil {
				req.reply <- &observationResult{summary: summary, err: err}
			}
			if err != nil {
				s.recordError(err)
				s.logger.WithError(err).Error("Evaluation loop terminating on storage failure")
				return
			}
			if req.reply == nil && s.sink != nil {
				s.sink(summary)
			}
		}
	}
}

// processObservation records the price then evaluates and executes every
// active listener for the token, sequentially and in registration order.
// The returned error is always fatal to the loop; execution failures are
// reported inside the summary instead.
func (s *ListenerService) processObservation(ctx context.Context, req *observationRequest) (*models.EvaluationSummary, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"token_id": req.tokenID,
		"price":    req.price.String(),
		"source":   req.source,
	})
	logger.Debug("Processing price observation")

	if s.metricsManager != nil {
		s.metricsManager.RecordObservation(req.source)
	}

	if err := s.store.RecordPrice(ctx, req.tokenID, req.price); err != nil {
		return nil, err
	}

	listeners, err := s.store.GetActiveListeners(ctx, s.config.Contract, req.tokenID)
	if err != nil {
		return nil, err
	}

	summary := &models.EvaluationSummary{
		TokenID:   req.tokenID,
		Price:     req.price,
		Evaluated: len(listeners),
	}

	for _, listener := range listeners {
		intent, matched := evaluator.Evaluate(listener, req.price)
		if !matched {
			continue
		}

		outcome, err := s.executor.Execute(ctx, intent)
		if err != nil {
			return nil, err
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
	}

	s.mu.Lock()
	s.stats.ObservationsProcessed++
	s.stats.ListenersFired += uint64(summary.FiredCount())
	s.stats.ExecutionFailures += uint64(summary.FailedCount())
	s.mu.Unlock()

	if fired := summary.FiredCount(); fired > 0 || summary.FailedCount() > 0 {
		logger.WithFields(logrus.Fields{
			"evaluated": summary.Evaluated,
			"fired":     fired,
			"failed":    summary.FailedCount(),
		}).Info("Price observation triggered listeners")
	}

	return summary, nil
}

// markStopped flips the running state when the loop goroutine exits, so a
// fatal loop error leaves the service refusing submissions instead of
// queueing into a loop that is no longer draining.
func (s *ListenerService) markStopped() {
	s.mu.Lock()
	s.running = false
	s.stats.IsRunning = false
	s.mu.Unlock()
}

func (s *ListenerService) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loopErr = err
	msg := err.Error()
	now := time.Now()
	s.stats.LastError = &msg
	s.stats.LastErrorTime = &now
}

// FormatSummary renders an evaluation summary for console output.
func FormatSummary(summary *models.EvaluationSummary) string {
	line := fmt.Sprintf("token %d @ %s: %d listener(s) evaluated, %d fired, %d failed",
		summary.TokenID, summary.Price.String(),
		summary.Evaluated, summary.FiredCount(), summary.FailedCount())
	for _, o := range summary.Outcomes {
		if o.Status == models.OutcomeCompleted {
			line += fmt.Sprintf("\n  %s %s -> %s", o.ListenerID, o.Action, o.TxRef)
		} else {
			line += fmt.Sprintf("\n  %s %s failed: %s", o.ListenerID, o.Action, o.Reason)
		}
	}
	return line
}
