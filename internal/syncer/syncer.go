// Package syncer mirrors on-chain contract state into the local store.
//
// A sync is all-or-nothing: every token, metadata record and balance is
// read from the ledger first, and only a fully assembled snapshot is
// written, inside one transaction. A failed read aborts the sync and
// leaves the previous cache untouched.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/tokentrigger/engine/internal/ledger"
	"github.com/tokentrigger/engine/internal/metrics"
	"github.com/tokentrigger/engine/internal/models"
	"github.com/tokentrigger/engine/internal/store"
	"github.com/tokentrigger/engine/pkg/utils"
)

// Syncer defines the storage syncer interface
type Syncer interface {
	Sync(ctx context.Context, contract common.Address) (*models.ContractSnapshot, error)
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
	GetStats() *SyncerStats
}

// SyncerConfig holds syncer configuration
type SyncerConfig struct {
	Contract    common.Address `json:"contract"`
	Interval    time.Duration  `json:"interval"` // 0 disables periodic sync
	SyncTimeout time.Duration  `json:"sync_timeout"`
}

// SyncerStats provides syncer statistics
type SyncerStats struct {
	IsRunning      bool       `json:"is_running"`
	TotalSyncs     uint64     `json:"total_syncs"`
	FailedSyncs    uint64     `json:"failed_syncs"`
	LastSyncTime   *time.Time `json:"last_sync_time,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	TokensSynced   int        `json:"tokens_synced"`
	BalancesSynced int        `json:"balances_synced"`
}

// StorageSyncer implements the Syncer interface
type StorageSyncer struct {
	store   store.Store
	ledger  ledger.Ledger
	config  *SyncerConfig
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	stats    *SyncerStats
}

// NewStorageSyncer creates a new storage syncer
func NewStorageSyncer(st store.Store, ld ledger.Ledger, cfg *SyncerConfig, m *metrics.PrometheusMetrics) *StorageSyncer {
	return &StorageSyncer{
		store:   st,
		ledger:  ld,
		config:  cfg,
		metrics: m,
		logger:  utils.GetLogger().WithField("component", "syncer"),
		stats:   &SyncerStats{},
	}
}

// Sync reads the full contract state from the ledger and replaces the
// cached snapshot in one transaction.
func (s *StorageSyncer) Sync(ctx context.Context, contract common.Address) (*models.ContractSnapshot, error) {
	start := time.Now()

	if s.config.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.SyncTimeout)
		defer cancel()
	}

	s.logger.WithField("contract", contract.Hex()).Info("Starting contract state sync")

	snapshot, err := s.assembleSnapshot(ctx, contract)
	if err != nil {
		s.recordSync(false, err, 0, 0, start)
		return nil, err
	}

	if err := s.store.ReplaceContractCache(ctx, snapshot); err != nil {
		s.recordSync(false, err, 0, 0, start)
		return nil, err
	}

	s.recordSync(true, nil, len(snapshot.Tokens), len(snapshot.Balances), start)
	s.logger.WithFields(logrus.Fields{
		"contract": contract.Hex(),
		"tokens":   len(snapshot.Tokens),
		"balances": len(snapshot.Balances),
		"duration": time.Since(start),
	}).Info("Contract state sync completed")

	return snapshot, nil
}

// assembleSnapshot reads every token, its metadata, holders and balances.
// Nothing is written until all reads have succeeded.
func (s *StorageSyncer) assembleSnapshot(ctx context.Context, contract common.Address) (*models.ContractSnapshot, error) {
	tokenIDs, err := s.ledger.ReadTokenIDs(ctx, contract)
	if err != nil {
		return nil, err
	}

	snapshot := &models.ContractSnapshot{
		Contract: contract,
		SyncedAt: time.Now().UTC(),
	}

	for _, tokenID := range tokenIDs {
		meta, err := s.ledger.ReadTokenMetadata(ctx, contract, tokenID)
		if err != nil {
			return nil, err
		}
		snapshot.Tokens = append(snapshot.Tokens, &models.CachedToken{
			Contract:    contract,
			TokenID:     tokenID,
			URI:         meta.URI,
			TotalSupply: meta.TotalSupply,
			SyncedAt:    snapshot.SyncedAt,
		})

		holders, err := s.ledger.ReadHolders(ctx, contract, tokenID)
		if err != nil {
			return nil, err
		}
		for _, holder := range holders {
			balance, err := s.ledger.ReadBalance(ctx, contract, holder, tokenID)
			if err != nil {
				return nil, err
			}
			snapshot.Balances = append(snapshot.Balances, &models.CachedBalance{
				Contract: contract,
				TokenID:  tokenID,
				Account:  holder,
				Amount:   balance,
				SyncedAt: snapshot.SyncedAt,
			})
		}
	}

	return snapshot, nil
}

// Start begins periodic syncing. It is an error to start a syncer whose
// interval is zero; use Sync directly for on-demand syncs.
func (s *StorageSyncer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return utils.NewAppError(utils.ErrCodeService, "Storage syncer already running", "")
	}
	if s.config.Interval <= 0 {
		return utils.NewAppError(utils.ErrCodeConfiguration, "Periodic sync requires a positive interval", "")
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.stopOnce = sync.Once{}
	s.stats.IsRunning = true

	s.wg.Add(1)
	go s.syncLoop(ctx)

	s.logger.WithField("interval", s.config.Interval).Info("Storage syncer started")
	return nil
}

// Stop stops periodic syncing
func (s *StorageSyncer) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.stats.IsRunning = false
	s.mu.Unlock()

	s.logger.Info("Storage syncer stopped")
	return nil
}

// IsRunning returns whether the periodic syncer is running
func (s *StorageSyncer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetStats returns syncer statistics
func (s *StorageSyncer) GetStats() *SyncerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := *s.stats
	return &stats
}

func (s *StorageSyncer) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sync(ctx, s.config.Contract); err != nil {
				s.logger.WithError(err).Warn("Periodic sync failed, previous cache retained")
			}
		}
	}
}

func (s *StorageSyncer) recordSync(success bool, err error, tokens, balances int, start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalSyncs++
	now := time.Now()
	if success {
		s.stats.LastSyncTime = &now
		s.stats.TokensSynced = tokens
		s.stats.BalancesSynced = balances
		s.stats.LastError = nil
	} else {
		s.stats.FailedSyncs++
		msg := err.Error()
		s.stats.LastError = &msg
	}

	if s.metrics != nil {
		status := "success"
		if !success {
			status = "failure"
		}
		s.metrics.RecordSync(status, time.Since(start))
	}
}
