package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeInvestmentMade
	EventTypeWithdrawal
	EventTypeInterestRateUpdated
	EventTypePlatformFeeUpdated
	EventTypeFundsDeposited
	EventTypePaused
	EventTypeUnpaused
	EventTypeOwnershipTransferred
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the vault
	Sequence int64

	// Stable dedup key (client request ID or operation ID)
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Account context (nil for pool-wide events)
	Account *common.Address

	// Clock reading at which the operation was applied
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Subject returns the account the event concerns (nil for pool-wide events)
	Subject() *common.Address

	// OccurredAt returns the vault clock reading of the operation
	OccurredAt() time.Time
}

var eventTypeNames = map[EventType]string{
	EventTypeInvestmentMade:       "InvestmentMade",
	EventTypeWithdrawal:           "Withdrawal",
	EventTypeInterestRateUpdated:  "InterestRateUpdated",
	EventTypePlatformFeeUpdated:   "PlatformFeeUpdated",
	EventTypeFundsDeposited:       "FundsDeposited",
	EventTypePaused:               "Paused",
	EventTypeUnpaused:             "Unpaused",
	EventTypeOwnershipTransferred: "OwnershipTransferred",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of EventType.String
func ParseEventType(name string) EventType {
	for et, n := range eventTypeNames {
		if n == name {
			return et
		}
	}
	return EventTypeUnknown
}
