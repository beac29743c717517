package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// InvestmentMade is emitted when an account locks a new deposit
type InvestmentMade struct {
	OperationID     uuid.UUID      `json:"operation_id"`
	RequestID       string         `json:"request_id,omitempty"`
	Account         common.Address `json:"account"`
	Index           int            `json:"index"`
	Amount          int64          `json:"amount"`
	DepositTime     time.Time      `json:"deposit_time"`
	MaturityTime    time.Time      `json:"maturity_time"`
	EstimatedReturn int64          `json:"estimated_return"`
}

func (e *InvestmentMade) IdempotencyKey() string {
	if e.RequestID != "" {
		return e.RequestID
	}
	return e.OperationID.String()
}

func (e *InvestmentMade) EventType() EventType {
	return EventTypeInvestmentMade
}

func (e *InvestmentMade) Subject() *common.Address {
	return &e.Account
}

func (e *InvestmentMade) OccurredAt() time.Time {
	return e.DepositTime
}

// Withdrawal is emitted when one or more matured investments pay out.
// A single-index withdrawal carries one entry in Indices.
type Withdrawal struct {
	OperationID  uuid.UUID      `json:"operation_id"`
	Account      common.Address `json:"account"`
	Indices      []int          `json:"indices"`
	Principal    int64          `json:"principal"`
	Payout       int64          `json:"payout"`
	Fee          int64          `json:"fee"`
	FeeRecipient common.Address `json:"fee_recipient"`
	Timestamp    time.Time      `json:"timestamp"`
}

func (e *Withdrawal) IdempotencyKey() string {
	return e.OperationID.String()
}

func (e *Withdrawal) EventType() EventType {
	return EventTypeWithdrawal
}

func (e *Withdrawal) Subject() *common.Address {
	return &e.Account
}

func (e *Withdrawal) OccurredAt() time.Time {
	return e.Timestamp
}
