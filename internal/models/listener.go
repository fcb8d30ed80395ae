package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/tokentrigger/engine/pkg/utils"
)

// ActionType is the kind of ledger action a listener triggers.
type ActionType string

const (
	ActionSell     ActionType = "sell"
	ActionBuy      ActionType = "buy"
	ActionTransfer ActionType = "transfer"
)

// ParseActionType converts a string into an ActionType.
func ParseActionType(s string) (ActionType, error) {
	switch ActionType(s) {
	case ActionSell, ActionBuy, ActionTransfer:
		return ActionType(s), nil
	default:
		return "", utils.NewAppError(utils.ErrCodeValidation, "Unknown action type", s)
	}
}

// ListenerStatus is the lifecycle state of a listener.
type ListenerStatus string

const (
	StatusActive    ListenerStatus = "active"
	StatusFired     ListenerStatus = "fired"
	StatusCancelled ListenerStatus = "cancelled"
)

// Listener is a persisted trigger condition: when the observed price of a
// token reaches TargetPrice, the configured action is executed against the
// ledger. A listener fires at most once.
type Listener struct {
	ID          string           `json:"id" db:"id"`
	Contract    common.Address   `json:"contract" db:"contract"`
	Owner       common.Address   `json:"owner" db:"owner"`
	TokenID     uint64           `json:"token_id" db:"token_id"`
	TargetPrice decimal.Decimal  `json:"target_price" db:"target_price"`
	Action      ActionType       `json:"action" db:"action"`
	Amount      decimal.Decimal  `json:"amount" db:"amount"`
	PriceLimit  *decimal.Decimal `json:"price_limit,omitempty" db:"price_limit"`
	Recipient   *common.Address  `json:"recipient,omitempty" db:"recipient"`
	Status      ListenerStatus   `json:"status" db:"status"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	FiredAt     *time.Time       `json:"fired_at,omitempty" db:"fired_at"`
	TxRef       *string          `json:"tx_ref,omitempty" db:"tx_ref"`
}

// Validate checks the listener definition. A violating listener is rejected
// before persistence, never partially stored.
//
// Rules: amount must be positive; transfer requires a recipient; sell and buy
// require a price limit directionally consistent with the target (sell:
// limit <= target, buy: limit >= target). target == limit is a legal
// single-point trigger.
func (l *Listener) Validate() error {
	if l.Amount.Cmp(decimal.Zero) <= 0 {
		return utils.NewAppError(utils.ErrCodeValidation, "Listener amount must be positive", l.Amount.String())
	}

	switch l.Action {
	case ActionSell:
		if l.PriceLimit == nil {
			return utils.NewAppError(utils.ErrCodeValidation, "Sell listener requires a minimum price limit", "")
		}
		if l.PriceLimit.Cmp(l.TargetPrice) > 0 {
			return utils.NewAppError(utils.ErrCodeValidation,
				"Sell price limit must not exceed target price",
				"limit "+l.PriceLimit.String()+" > target "+l.TargetPrice.String())
		}
	case ActionBuy:
		if l.PriceLimit == nil {
			return utils.NewAppError(utils.ErrCodeValidation, "Buy listener requires a maximum price limit", "")
		}
		if l.PriceLimit.Cmp(l.TargetPrice) < 0 {
			return utils.NewAppError(utils.ErrCodeValidation,
				"Buy price limit must not fall below target price",
				"limit "+l.PriceLimit.String()+" < target "+l.TargetPrice.String())
		}
	case ActionTransfer:
		// Price limit is ignored for transfers; a stale one is harmless.
		if l.Recipient == nil || *l.Recipient == (common.Address{}) {
			return utils.NewAppError(utils.ErrCodeValidation, "Transfer listener requires a recipient", "")
		}
	default:
		return utils.NewAppError(utils.ErrCodeValidation, "Unknown action type", string(l.Action))
	}

	return nil
}

// ListenerFilter for querying listeners
type ListenerFilter struct {
	Contract *common.Address `json:"contract,omitempty"`
	TokenID  *uint64         `json:"token_id,omitempty"`
	Status   *ListenerStatus `json:"status,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// PriceObservation is a single price reading for a token. Only the latest
// observation per token is retained.
type PriceObservation struct {
	TokenID    uint64          `json:"token_id" db:"token_id"`
	Price      decimal.Decimal `json:"price" db:"price"`
	ObservedAt time.Time       `json:"observed_at" db:"observed_at"`
}

// ActionIntent is a fired listener paired with the price that fired it.
type ActionIntent struct {
	Listener *Listener       `json:"listener"`
	Price    decimal.Decimal `json:"price"`
}

// OutcomeStatus classifies an execution outcome.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeFailed    OutcomeStatus = "failed"
)

// ExecutionOutcome is the result of dispatching one fired listener to the
// ledger.
type ExecutionOutcome struct {
	ListenerID string        `json:"listener_id"`
	Action     ActionType    `json:"action"`
	Status     OutcomeStatus `json:"status"`
	TxRef      string        `json:"tx_ref,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	ExecutedAt time.Time     `json:"executed_at"`
}

// EvaluationSummary enumerates what a single price observation did.
type EvaluationSummary struct {
	TokenID   uint64              `json:"token_id"`
	Price     decimal.Decimal     `json:"price"`
	Evaluated int                 `json:"evaluated"`
	Outcomes  []*ExecutionOutcome `json:"outcomes,omitempty"`
}

// FiredCount returns the number of successfully completed executions.
func (s *EvaluationSummary) FiredCount() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == OutcomeCompleted {
			n++
		}
	}
	return n
}

// FailedCount returns the number of failed executions.
func (s *EvaluationSummary) FailedCount() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == OutcomeFailed {
			n++
		}
	}
	return n
}
