package core

import (
	"context"
	"fmt"
	"time"

	"PoolLedger/internal/event"
	fpmath "PoolLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// InvestRequest locks Amount for the investment period.
// RequestID is an optional client key; a repeated key is rejected.
type InvestRequest struct {
	Account   common.Address
	Amount    int64
	RequestID string
}

type InvestResult struct {
	Index           int
	Amount          int64
	EstimatedReturn int64
	DepositTime     time.Time
	MaturityTime    time.Time
	Sequence        int64
}

// Invest records a new time-locked investment for req.Account
func (v *Vault) Invest(ctx context.Context, req InvestRequest) (InvestResult, error) {
	start := time.Now()
	ctx, release := v.acquire(ctx)
	defer release()

	res, err := v.invest(ctx, req)
	v.observe(opInvest, start, err)
	return res, err
}

func (v *Vault) invest(ctx context.Context, req InvestRequest) (InvestResult, error) {
	if err := requireAddress(req.Account); err != nil {
		return InvestResult{}, err
	}
	if v.pause.IsPaused() {
		return InvestResult{}, ErrPaused
	}
	if req.Amount < v.cfg.MinInvestment {
		return InvestResult{}, fmt.Errorf("%d < %d: %w", req.Amount, v.cfg.MinInvestment, ErrBelowMinimum)
	}
	// The principal must settle at any rate the owner can still set.
	if _, err := fpmath.ComputeReturn(req.Amount, fpmath.MaxInterestRateBps, 0); err != nil {
		return InvestResult{}, fmt.Errorf("%d: %w", req.Amount, ErrAmountTooLarge)
	}
	if req.RequestID != "" {
		dup, err := v.idempotency.IsDuplicate(ctx, event.EventTypeInvestmentMade.String(), req.RequestID)
		if err != nil {
			return InvestResult{}, err
		}
		if dup {
			return InvestResult{}, fmt.Errorf("%q: %w", req.RequestID, ErrDuplicateRequest)
		}
	}
	if err := v.guardReentry(); err != nil {
		return InvestResult{}, err
	}

	rates := v.rates.Get()
	estimate, err := fpmath.ComputeReturn(req.Amount, rates.InterestRateBps, rates.PlatformFeeBps)
	if err != nil {
		return InvestResult{}, fmt.Errorf("%d: %w", req.Amount, ErrAmountTooLarge)
	}
	estimated := estimate.Payout

	now := v.clock.Now()
	opID := uuid.New()

	batch, err := v.journalGen.GenerateInvestment(v.sequence, opID.String(), req.Amount, now.UnixMicro())
	if err != nil {
		return InvestResult{}, err
	}
	if err := v.checkBatch(batch); err != nil {
		return InvestResult{}, err
	}
	if err := v.pool.RecordInvestment(req.Amount); err != nil {
		return InvestResult{}, fmt.Errorf("total invested: %w: %w", ErrAmountTooLarge, err)
	}

	inv := newInvestment(req.Amount, now, v.cfg.InvestmentPeriod)
	index := v.book.Append(req.Account, inv)
	v.applyBatch(batch)

	evt := &event.InvestmentMade{
		OperationID:     opID,
		RequestID:       req.RequestID,
		Account:         req.Account,
		Index:           index,
		Amount:          req.Amount,
		DepositTime:     inv.DepositTime,
		MaturityTime:    inv.MaturityTime,
		EstimatedReturn: estimated,
	}
	env := v.commit(evt, batch, true)

	if req.RequestID != "" {
		v.idempotency.MarkProcessed(event.EventTypeInvestmentMade.String(), req.RequestID)
	}

	v.log.Debug().
		Str("account", req.Account.Hex()).
		Int("index", index).
		Int64("amount", req.Amount).
		Int64("seq", env.Sequence).
		Msg("investment made")

	return InvestResult{
		Index:           index,
		Amount:          req.Amount,
		EstimatedReturn: estimated,
		DepositTime:     inv.DepositTime,
		MaturityTime:    inv.MaturityTime,
		Sequence:        env.Sequence,
	}, nil
}
