package state_test

import (
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/state"
	"errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	owner    = common.HexToAddress("0x000000000000000000000000000000000000b055")
	stranger = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	treasury = common.HexToAddress("0x0000000000000000000000000000000000fee001")
)

// ============================================================================
// Test: AccessControl
// ============================================================================

func TestAccessControl_RejectsZeroOwner(t *testing.T) {
	if _, err := state.NewAccessControl(common.Address{}); !errors.Is(err, state.ErrZeroAddress) {
		t.Errorf("got %v, want ErrZeroAddress", err)
	}
}

func TestAccessControl_RequireOwner(t *testing.T) {
	ac, err := state.NewAccessControl(owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ac.RequireOwner(owner); err != nil {
		t.Errorf("owner rejected: %v", err)
	}
	if err := ac.RequireOwner(stranger); !errors.Is(err, state.ErrNotOwner) {
		t.Errorf("got %v, want ErrNotOwner", err)
	}
}

func TestAccessControl_TransferOwnership(t *testing.T) {
	ac, _ := state.NewAccessControl(owner)

	if _, err := ac.TransferOwnership(stranger, stranger); !errors.Is(err, state.ErrNotOwner) {
		t.Fatalf("non-owner transfer: got %v", err)
	}
	if _, err := ac.TransferOwnership(owner, common.Address{}); !errors.Is(err, state.ErrZeroAddress) {
		t.Fatalf("zero new owner: got %v", err)
	}

	prev, err := ac.TransferOwnership(owner, stranger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prev != owner || ac.Owner() != stranger {
		t.Errorf("got prev=%s owner=%s", prev.Hex(), ac.Owner().Hex())
	}
	if err := ac.RequireOwner(owner); err == nil {
		t.Error("previous owner should lose privileges")
	}
}

// ============================================================================
// Test: PauseSwitch
// ============================================================================

func TestPauseSwitch_Transitions(t *testing.T) {
	var p state.PauseSwitch

	if p.IsPaused() {
		t.Fatal("zero value should be unpaused")
	}
	if err := p.Unpause(); !errors.Is(err, state.ErrNotPaused) {
		t.Errorf("unpause active pool: got %v", err)
	}
	if err := p.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := p.Pause(); !errors.Is(err, state.ErrAlreadyPaused) {
		t.Errorf("double pause: got %v", err)
	}
	if err := p.Unpause(); err != nil {
		t.Errorf("unpause: %v", err)
	}
	if p.IsPaused() {
		t.Error("should be active after unpause")
	}
}

// ============================================================================
// Test: RateManager
// ============================================================================

func newRates(t *testing.T) *state.RateManager {
	t.Helper()
	rm, err := state.NewRateManager(state.RateConfig{InterestRateBps: 1250, PlatformFeeBps: 200, FeeRecipient: treasury})
	if err != nil {
		t.Fatalf("NewRateManager: %v", err)
	}
	return rm
}

func TestRateManager_FeeCap(t *testing.T) {
	rm := newRates(t)

	if _, err := rm.SetPlatformFee(501, treasury); !errors.Is(err, state.ErrFeeTooHigh) {
		t.Errorf("501 bps: got %v, want ErrFeeTooHigh", err)
	}
	if rm.Get().PlatformFeeBps != 200 {
		t.Error("rejected update must not change the fee")
	}

	old, err := rm.SetPlatformFee(500, treasury)
	if err != nil {
		t.Fatalf("500 bps should be accepted: %v", err)
	}
	if old.PlatformFeeBps != 200 || rm.Get().PlatformFeeBps != 500 {
		t.Errorf("got old=%d new=%d", old.PlatformFeeBps, rm.Get().PlatformFeeBps)
	}
}

func TestRateManager_RejectsZeroRecipient(t *testing.T) {
	rm := newRates(t)
	if _, err := rm.SetPlatformFee(100, common.Address{}); !errors.Is(err, state.ErrZeroAddress) {
		t.Errorf("got %v, want ErrZeroAddress", err)
	}
	if rm.Get().FeeRecipient != treasury {
		t.Error("recipient must be unchanged after rejection")
	}
}

func TestRateManager_InterestRate(t *testing.T) {
	rm := newRates(t)

	if _, err := rm.SetInterestRate(-1); !errors.Is(err, state.ErrNegativeRate) {
		t.Errorf("negative rate: got %v", err)
	}
	if _, err := rm.SetInterestRate(math.MaxInt64 / 1000); !errors.Is(err, state.ErrRateTooHigh) {
		t.Errorf("huge rate: got %v, want ErrRateTooHigh", err)
	}
	if _, err := rm.SetInterestRate(fpmath.MaxInterestRateBps + 1); !errors.Is(err, state.ErrRateTooHigh) {
		t.Errorf("cap+1: got %v, want ErrRateTooHigh", err)
	}
	if rm.Get().InterestRateBps != 1250 {
		t.Errorf("rate must be unchanged after rejection, got %d", rm.Get().InterestRateBps)
	}
	if _, err := rm.SetInterestRate(fpmath.MaxInterestRateBps); err != nil {
		t.Errorf("cap itself must be accepted: %v", err)
	}
	old, err := rm.SetInterestRate(1500)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if old != fpmath.MaxInterestRateBps || rm.Get().InterestRateBps != 1500 {
		t.Errorf("got old=%d new=%d", old, rm.Get().InterestRateBps)
	}
}

func TestNewRateManager_RejectsInvalid(t *testing.T) {
	if _, err := state.NewRateManager(state.RateConfig{InterestRateBps: 1250, PlatformFeeBps: 900, FeeRecipient: treasury}); err == nil {
		t.Error("expected error for fee over cap")
	}
}

// ============================================================================
// Test: PoolState
// ============================================================================

func TestPoolState_Counters(t *testing.T) {
	var p state.PoolState
	if err := p.RecordInvestment(1_000_000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.RecordInvestment(2_000_000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.RecordWithdrawals(1)

	if p.TotalInvested != 3_000_000 || p.TotalActiveInvestments != 1 {
		t.Errorf("got invested=%d active=%d", p.TotalInvested, p.TotalActiveInvestments)
	}

	p.RevertWithdrawals(1)
	if p.TotalInvested != 3_000_000 || p.TotalActiveInvestments != 2 {
		t.Errorf("after revert: invested=%d active=%d", p.TotalInvested, p.TotalActiveInvestments)
	}
}

func TestPoolState_RecordInvestmentOverflow(t *testing.T) {
	var p state.PoolState
	if err := p.RecordInvestment(math.MaxInt64/2 + 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.RecordInvestment(math.MaxInt64/2 + 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
	if p.TotalInvested != math.MaxInt64/2+1 || p.TotalActiveInvestments != 1 {
		t.Errorf("rejected record changed totals: invested=%d active=%d", p.TotalInvested, p.TotalActiveInvestments)
	}
}
