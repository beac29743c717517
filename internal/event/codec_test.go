package event_test

import (
	"PoolLedger/internal/event"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

func TestDecode_Withdrawal(t *testing.T) {
	in := &event.Withdrawal{
		OperationID:  uuid.New(),
		Account:      common.HexToAddress("0x00000000000000000000000000000000000a11ce"),
		Indices:      []int{0, 2},
		Principal:    2_000_000,
		Payout:       2_245_000,
		Fee:          5_000,
		FeeRecipient: common.HexToAddress("0x0000000000000000000000000000000000fee001"),
		Timestamp:    time.Unix(1_700_000_000, 0).UTC(),
	}

	data, err := event.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := event.Decode(event.EventTypeWithdrawal, data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	wd, ok := got.(*event.Withdrawal)
	if !ok {
		t.Fatalf("got %T, want *event.Withdrawal", got)
	}
	if wd.Account != in.Account || wd.FeeRecipient != in.FeeRecipient {
		t.Error("addresses did not survive encoding")
	}
	if len(wd.Indices) != 2 || wd.Indices[1] != 2 {
		t.Errorf("indices: got %v", wd.Indices)
	}
	if !wd.Timestamp.Equal(in.Timestamp) {
		t.Errorf("timestamp: got %v, want %v", wd.Timestamp, in.Timestamp)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	if _, err := event.Decode(event.EventTypeUnknown, []byte("{}")); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestParseEventType(t *testing.T) {
	for _, et := range []event.EventType{
		event.EventTypeInvestmentMade,
		event.EventTypeWithdrawal,
		event.EventTypeInterestRateUpdated,
		event.EventTypePlatformFeeUpdated,
		event.EventTypeFundsDeposited,
		event.EventTypePaused,
		event.EventTypeUnpaused,
		event.EventTypeOwnershipTransferred,
	} {
		if got := event.ParseEventType(et.String()); got != et {
			t.Errorf("ParseEventType(%q) = %v", et.String(), got)
		}
	}
	if event.ParseEventType("TradeFill") != event.EventTypeUnknown {
		t.Error("unrelated name should be unknown")
	}
}

func TestInvestmentMade_IdempotencyKeyPrefersRequestID(t *testing.T) {
	opID := uuid.New()
	evt := &event.InvestmentMade{OperationID: opID}
	if evt.IdempotencyKey() != opID.String() {
		t.Error("without request ID the operation ID is the key")
	}
	evt.RequestID = "client-42"
	if evt.IdempotencyKey() != "client-42" {
		t.Error("request ID should be the key when present")
	}
}
