package event

import (
	"encoding/json"
	"fmt"
)

// Encode serialises an event payload for the log and for notifications
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return data, nil
}

// New returns an empty payload value for the given type
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeInvestmentMade:
		return &InvestmentMade{}, nil
	case EventTypeWithdrawal:
		return &Withdrawal{}, nil
	case EventTypeInterestRateUpdated:
		return &InterestRateUpdated{}, nil
	case EventTypePlatformFeeUpdated:
		return &PlatformFeeUpdated{}, nil
	case EventTypeFundsDeposited:
		return &FundsDeposited{}, nil
	case EventTypePaused:
		return &Paused{}, nil
	case EventTypeUnpaused:
		return &Unpaused{}, nil
	case EventTypeOwnershipTransferred:
		return &OwnershipTransferred{}, nil
	default:
		return nil, fmt.Errorf("unknown event type: %d", et)
	}
}

// Decode parses a payload previously produced by Encode
func Decode(et EventType, payload []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
