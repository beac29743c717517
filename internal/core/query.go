package core

import (
	"context"
	"fmt"
	"math"
	"time"

	"PoolLedger/internal/ledger"
	fpmath "PoolLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// InvestmentView is a record plus the values derived from it at read time
type InvestmentView struct {
	Index        int
	Amount       int64
	DepositTime  time.Time
	MaturityTime time.Time
	Withdrawn    bool
	WithdrawnAt  time.Time
	Matured      bool
	// EstimatedReturn is principal plus net interest at the current rates
	EstimatedReturn int64
	EstimatedFee    int64
}

type AccountSummary struct {
	TotalCount  int
	ActiveCount int
	// TotalInvestedAmount sums the principal of every record, withdrawn or not
	TotalInvestedAmount int64
	// TotalAvailableToWithdraw sums payouts of matured, not withdrawn records.
	// It saturates at MaxInt64.
	TotalAvailableToWithdraw int64
}

type PoolStats struct {
	TotalInvested          int64
	TotalActiveInvestments int64
	InterestRateBps        int64
	PlatformFeeBps         int64
	CurrentBalance         int64
	FeeRecipient           common.Address
	Owner                  common.Address
	Paused                 bool
	Sequence               int64
	MinInvestment          int64
	InvestmentPeriod       time.Duration
}

func (v *Vault) view(index int, rec ledger.Investment, now time.Time) InvestmentView {
	rates := v.rates.Get()
	ret, err := fpmath.ComputeReturn(rec.Amount, rates.InterestRateBps, rates.PlatformFeeBps)
	if err != nil {
		// only reachable for records restored under rates past today's caps
		ret = fpmath.Return{Principal: rec.Amount, Payout: math.MaxInt64}
	}
	return InvestmentView{
		Index:           index,
		Amount:          rec.Amount,
		DepositTime:     rec.DepositTime,
		MaturityTime:    rec.MaturityTime,
		Withdrawn:       rec.Withdrawn,
		WithdrawnAt:     rec.WithdrawnAt,
		Matured:         rec.Matured(now),
		EstimatedReturn: ret.Payout,
		EstimatedFee:    ret.Fee,
	}
}

// GetInvestment returns one record of account
func (v *Vault) GetInvestment(ctx context.Context, account common.Address, index int) (InvestmentView, error) {
	_, release := v.acquire(ctx)
	defer release()

	rec, ok := v.book.Get(account, index)
	if !ok {
		return InvestmentView{}, fmt.Errorf("index %d of %s: %w", index, account.Hex(), ErrInvalidIndex)
	}
	return v.view(index, *rec, v.clock.Now()), nil
}

// ListInvestments returns every record of account in index order
func (v *Vault) ListInvestments(ctx context.Context, account common.Address) []InvestmentView {
	_, release := v.acquire(ctx)
	defer release()

	now := v.clock.Now()
	recs := v.book.List(account)
	out := make([]InvestmentView, len(recs))
	for i, rec := range recs {
		out[i] = v.view(i, rec, now)
	}
	return out
}

// GetUserInvestments summarises account's ledger
func (v *Vault) GetUserInvestments(ctx context.Context, account common.Address) AccountSummary {
	_, release := v.acquire(ctx)
	defer release()

	now := v.clock.Now()
	rates := v.rates.Get()
	recs := v.book.List(account)

	summary := AccountSummary{TotalCount: len(recs)}
	for _, rec := range recs {
		summary.TotalInvestedAmount += rec.Amount
		if rec.Withdrawn {
			continue
		}
		summary.ActiveCount++
		if !rec.Matured(now) {
			continue
		}
		ret, err := fpmath.ComputeReturn(rec.Amount, rates.InterestRateBps, rates.PlatformFeeBps)
		if err == nil {
			summary.TotalAvailableToWithdraw, err = fpmath.CheckedAdd(summary.TotalAvailableToWithdraw, ret.Payout)
		}
		if err != nil {
			summary.TotalAvailableToWithdraw = math.MaxInt64
		}
	}
	return summary
}

func (v *Vault) GetPoolStats(ctx context.Context) PoolStats {
	_, release := v.acquire(ctx)
	defer release()

	rates := v.rates.Get()
	return PoolStats{
		TotalInvested:          v.pool.TotalInvested,
		TotalActiveInvestments: v.pool.TotalActiveInvestments,
		InterestRateBps:        rates.InterestRateBps,
		PlatformFeeBps:         rates.PlatformFeeBps,
		CurrentBalance:         v.currentBalance(),
		FeeRecipient:           rates.FeeRecipient,
		Owner:                  v.access.Owner(),
		Paused:                 v.pause.IsPaused(),
		Sequence:               v.sequence,
		MinInvestment:          v.cfg.MinInvestment,
		InvestmentPeriod:       v.cfg.InvestmentPeriod,
	}
}

// GetBalance returns the pool's current balance
func (v *Vault) GetBalance(ctx context.Context) int64 {
	_, release := v.acquire(ctx)
	defer release()

	return v.currentBalance()
}

// Owner returns the current owner
func (v *Vault) Owner(ctx context.Context) common.Address {
	_, release := v.acquire(ctx)
	defer release()

	return v.access.Owner()
}
