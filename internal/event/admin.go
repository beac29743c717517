package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type InterestRateUpdated struct {
	OperationID uuid.UUID      `json:"operation_id"`
	By          common.Address `json:"by"`
	OldBps      int64          `json:"old_bps"`
	NewBps      int64          `json:"new_bps"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (e *InterestRateUpdated) IdempotencyKey() string   { return e.OperationID.String() }
func (e *InterestRateUpdated) EventType() EventType     { return EventTypeInterestRateUpdated }
func (e *InterestRateUpdated) Subject() *common.Address { return nil }
func (e *InterestRateUpdated) OccurredAt() time.Time    { return e.Timestamp }

type PlatformFeeUpdated struct {
	OperationID  uuid.UUID      `json:"operation_id"`
	By           common.Address `json:"by"`
	OldBps       int64          `json:"old_bps"`
	NewBps       int64          `json:"new_bps"`
	OldRecipient common.Address `json:"old_recipient"`
	NewRecipient common.Address `json:"new_recipient"`
	Timestamp    time.Time      `json:"timestamp"`
}

func (e *PlatformFeeUpdated) IdempotencyKey() string   { return e.OperationID.String() }
func (e *PlatformFeeUpdated) EventType() EventType     { return EventTypePlatformFeeUpdated }
func (e *PlatformFeeUpdated) Subject() *common.Address { return nil }
func (e *PlatformFeeUpdated) OccurredAt() time.Time    { return e.Timestamp }

// FundsDeposited is an owner top-up of the pool used to cover interest
type FundsDeposited struct {
	OperationID uuid.UUID      `json:"operation_id"`
	Funder      common.Address `json:"funder"`
	Amount      int64          `json:"amount"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (e *FundsDeposited) IdempotencyKey() string   { return e.OperationID.String() }
func (e *FundsDeposited) EventType() EventType     { return EventTypeFundsDeposited }
func (e *FundsDeposited) Subject() *common.Address { return nil }
func (e *FundsDeposited) OccurredAt() time.Time    { return e.Timestamp }

type Paused struct {
	OperationID uuid.UUID      `json:"operation_id"`
	By          common.Address `json:"by"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (e *Paused) IdempotencyKey() string   { return e.OperationID.String() }
func (e *Paused) EventType() EventType     { return EventTypePaused }
func (e *Paused) Subject() *common.Address { return nil }
func (e *Paused) OccurredAt() time.Time    { return e.Timestamp }

type Unpaused struct {
	OperationID uuid.UUID      `json:"operation_id"`
	By          common.Address `json:"by"`
	Timestamp   time.Time      `json:"timestamp"`
}

func (e *Unpaused) IdempotencyKey() string   { return e.OperationID.String() }
func (e *Unpaused) EventType() EventType     { return EventTypeUnpaused }
func (e *Unpaused) Subject() *common.Address { return nil }
func (e *Unpaused) OccurredAt() time.Time    { return e.Timestamp }

type OwnershipTransferred struct {
	OperationID   uuid.UUID      `json:"operation_id"`
	PreviousOwner common.Address `json:"previous_owner"`
	NewOwner      common.Address `json:"new_owner"`
	Timestamp     time.Time      `json:"timestamp"`
}

func (e *OwnershipTransferred) IdempotencyKey() string   { return e.OperationID.String() }
func (e *OwnershipTransferred) EventType() EventType     { return EventTypeOwnershipTransferred }
func (e *OwnershipTransferred) Subject() *common.Address { return nil }
func (e *OwnershipTransferred) OccurredAt() time.Time    { return e.Timestamp }
