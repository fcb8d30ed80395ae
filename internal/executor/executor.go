// Package executor turns matched listeners into ledger transfers and
// records the outcome.
//
// Execution is at-least-once: a listener is only marked fired after the
// ledger confirms the transfer, so a failed or interrupted execution
// leaves the listener active and eligible for a later attempt.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/tokentrigger/engine/internal/ledger"
	"github.com/tokentrigger/engine/internal/metrics"
	"github.com/tokentrigger/engine/internal/models"
	"github.com/tokentrigger/engine/internal/store"
	"github.com/tokentrigger/engine/pkg/utils"
)

// Executor carries out the action of a matched listener
type Executor interface {
	Execute(ctx context.Context, intent *models.ActionIntent) (*models.ExecutionOutcome, error)
}

// ExecutorConfig holds executor configuration
type ExecutorConfig struct {
	MarketAccount    common.Address `json:"market_account"`
	ExecutionTimeout time.Duration  `json:"execution_timeout"`
}

// ActionExecutor executes listener actions against the token ledger
type ActionExecutor struct {
	store   store.Store
	ledger  ledger.Ledger
	config  *ExecutorConfig
	metrics *metrics.PrometheusMetrics
	logger  *logrus.Entry
}

// NewActionExecutor creates a new action executor
func NewActionExecutor(st store.Store, ld ledger.Ledger, cfg *ExecutorConfig, m *metrics.PrometheusMetrics) *ActionExecutor {
	return &ActionExecutor{
		store:   st,
		ledger:  ld,
		config:  cfg,
		metrics: m,
		logger:  utils.GetLogger().WithField("component", "executor"),
	}
}

// Execute performs the listener's action on the ledger and marks the
// listener fired on success. A ledger failure produces a failed outcome
// and leaves the listener active; only a store failure after a confirmed
// transfer is returned as an error, since at that point the transfer
// happened but could not be recorded.
func (e *ActionExecutor) Execute(ctx context.Context, intent *models.ActionIntent) (*models.ExecutionOutcome, error) {
	listener := intent.Listener
	start := time.Now()

	if e.config.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ExecutionTimeout)
		defer cancel()
	}

	e.logger.WithFields(logrus.Fields{
		"listener_id": listener.ID,
		"action":      listener.Action,
		"token_id":    listener.TokenID,
		"price":       intent.Price.String(),
	}).Info("Executing listener action")

	txRef, err := e.transfer(ctx, listener)
	if err != nil {
		e.recordMetrics(listener, models.OutcomeFailed, start)
		e.logger.WithError(err).WithField("listener_id", listener.ID).
			Warn("Action execution failed, listener remains active")
		return &models.ExecutionOutcome{
			ListenerID: listener.ID,
			Action:     listener.Action,
			Status:     models.OutcomeFailed,
			Reason:     err.Error(),
			ExecutedAt: time.Now().UTC(),
		}, nil
	}

	if err := e.store.MarkFired(ctx, listener.ID, txRef); err != nil {
		// The transfer succeeded but the listener could not be retired.
		// Surface this as fatal so the operator can reconcile.
		return nil, utils.NewAppError(utils.ErrCodeDatabase,
			"transfer confirmed but listener could not be marked fired",
			fmt.Sprintf("listener=%s tx_ref=%s: %s", listener.ID, txRef, err.Error()))
	}

	e.recordMetrics(listener, models.OutcomeCompleted, start)
	e.logger.WithFields(logrus.Fields{
		"listener_id": listener.ID,
		"tx_ref":      txRef,
	}).Info("Listener fired")

	return &models.ExecutionOutcome{
		ListenerID: listener.ID,
		Action:     listener.Action,
		Status:     models.OutcomeCompleted,
		TxRef:      txRef,
		ExecutedAt: time.Now().UTC(),
	}, nil
}

// transfer maps the listener action onto a ledger transfer. Sells move
// tokens from the owner to the market account, buys the reverse, and
// transfers move tokens from the owner to the listener's recipient.
func (e *ActionExecutor) transfer(ctx context.Context, listener *models.Listener) (string, error) {
	var from, to common.Address

	switch listener.Action {
	case models.ActionSell:
		from, to = listener.Owner, e.config.MarketAccount
	case models.ActionBuy:
		from, to = e.config.MarketAccount, listener.Owner
	case models.ActionTransfer:
		if listener.Recipient == nil {
			return "", utils.NewAppError(utils.ErrCodeValidation,
				"transfer listener has no recipient", listener.ID)
		}
		from, to = listener.Owner, *listener.Recipient
	default:
		return "", utils.NewAppError(utils.ErrCodeValidation,
			"unknown action type", string(listener.Action))
	}

	return e.ledger.Transfer(ctx, listener.Contract, from, to, listener.TokenID, listener.Amount)
}

func (e *ActionExecutor) recordMetrics(listener *models.Listener, status models.OutcomeStatus, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordExecution(string(listener.Action), string(status), time.Since(start))
	if status == models.OutcomeCompleted {
		e.metrics.RecordListenerFired(string(listener.Action))
	}
}
