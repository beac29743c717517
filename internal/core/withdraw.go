package core

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	fpmath "PoolLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

type WithdrawResult struct {
	Indices   []int
	Principal int64
	Payout    int64
	Fee       int64
	Sequence  int64
}

// Withdraw pays out one matured investment of account at the current rates
func (v *Vault) Withdraw(ctx context.Context, account common.Address, index int) (WithdrawResult, error) {
	start := time.Now()
	ctx, release := v.acquire(ctx)
	defer release()

	res, err := v.withdraw(ctx, account, index)
	v.observe(opWithdraw, start, err)
	return res, err
}

func (v *Vault) withdraw(ctx context.Context, account common.Address, index int) (WithdrawResult, error) {
	if err := requireAddress(account); err != nil {
		return WithdrawResult{}, err
	}

	rec, ok := v.book.Get(account, index)
	if !ok {
		return WithdrawResult{}, fmt.Errorf("index %d of %s: %w", index, account.Hex(), ErrInvalidIndex)
	}
	if rec.Withdrawn {
		return WithdrawResult{}, fmt.Errorf("index %d: %w", index, ErrAlreadyWithdrawn)
	}

	now := v.clock.Now()
	if !rec.Matured(now) {
		return WithdrawResult{}, fmt.Errorf("index %d matures at %s: %w",
			index, rec.MaturityTime.Format(time.RFC3339), ErrNotMatured)
	}

	rates := v.rates.Get()
	ret, err := fpmath.ComputeReturn(rec.Amount, rates.InterestRateBps, rates.PlatformFeeBps)
	if err != nil {
		return WithdrawResult{}, fmt.Errorf("index %d: %w: %w", index, ErrAmountTooLarge, err)
	}

	return v.settle(ctx, account, []int{index}, []*ledger.Investment{rec}, ret, now)
}

// WithdrawAll pays out every matured, not yet withdrawn investment of
// account in one aggregated payout and one aggregated fee. If the pool
// cannot cover the combined total nothing is withdrawn.
func (v *Vault) WithdrawAll(ctx context.Context, account common.Address) (WithdrawResult, error) {
	start := time.Now()
	ctx, release := v.acquire(ctx)
	defer release()

	res, err := v.withdrawAll(ctx, account)
	v.observe(opWithdrawAll, start, err)
	return res, err
}

func (v *Vault) withdrawAll(ctx context.Context, account common.Address) (WithdrawResult, error) {
	if err := requireAddress(account); err != nil {
		return WithdrawResult{}, err
	}

	now := v.clock.Now()
	rates := v.rates.Get()

	var (
		indices []int
		recs    []*ledger.Investment
		total   fpmath.Return
	)
	for i := 0; i < v.book.Len(account); i++ {
		rec, _ := v.book.Get(account, i)
		if !rec.Eligible(now) {
			continue
		}
		ret, err := fpmath.ComputeReturn(rec.Amount, rates.InterestRateBps, rates.PlatformFeeBps)
		if err != nil {
			return WithdrawResult{}, fmt.Errorf("index %d: %w: %w", i, ErrAmountTooLarge, err)
		}
		// A combined total past int64 is more than any pool can hold.
		if total, err = total.Add(ret); err != nil {
			return WithdrawResult{}, fmt.Errorf("combined payout of %d records: %w", len(indices)+1, ErrInsufficientPoolBalance)
		}
		indices = append(indices, i)
		recs = append(recs, rec)
	}

	if len(indices) == 0 {
		return WithdrawResult{}, ErrNothingToWithdraw
	}

	return v.settle(ctx, account, indices, recs, total, now)
}

// settle applies the withdrawal effects, hands the legs to the payer and
// either commits or restores the exact prior state.
func (v *Vault) settle(
	ctx context.Context,
	account common.Address,
	indices []int,
	recs []*ledger.Investment,
	ret fpmath.Return,
	now time.Time,
) (WithdrawResult, error) {
	if balance := v.currentBalance(); balance < ret.Required() {
		return WithdrawResult{}, fmt.Errorf("need %d, pool holds %d: %w",
			ret.Required(), balance, ErrInsufficientPoolBalance)
	}
	if err := v.guardReentry(); err != nil {
		return WithdrawResult{}, err
	}

	recipient := v.rates.Get().FeeRecipient
	opID := payoutRef(account, indices)

	batch, err := v.journalGen.GenerateSettlement(
		v.sequence, opID.String(), account, ret.Payout, recipient, ret.Fee, now.UnixMicro())
	if err != nil {
		return WithdrawResult{}, err
	}
	if err := v.checkBatch(batch); err != nil {
		return WithdrawResult{}, err
	}

	// Effects before interaction: a callback from the payer must see these
	// records as withdrawn and the pool balance already reduced.
	for _, rec := range recs {
		rec.Withdrawn = true
		rec.WithdrawnAt = now
	}
	v.pool.RecordWithdrawals(len(recs))
	v.applyBatch(batch)

	legs := []Transfer{{To: account, Amount: ret.Payout, Kind: TransferPayout}}
	if ret.Fee > 0 {
		legs = append(legs, Transfer{To: recipient, Amount: ret.Fee, Kind: TransferPlatformFee})
	}

	if payErr := v.pay(ctx, opID.String(), legs); payErr != nil {
		v.balances.RevertBatch(batch)
		v.pool.RevertWithdrawals(len(recs))
		for _, rec := range recs {
			rec.Withdrawn = false
			rec.WithdrawnAt = time.Time{}
		}
		if v.metrics != nil {
			v.metrics.TransferFailures.Inc()
		}
		v.log.Warn().
			Str("account", account.Hex()).
			Ints("indices", indices).
			Str("ref", opID.String()).
			Err(payErr).
			Msg("payout transfer failed, withdrawal rolled back")
		return WithdrawResult{}, fmt.Errorf("%w: %w", ErrTransferFailed, payErr)
	}

	evt := &event.Withdrawal{
		OperationID:  opID,
		Account:      account,
		Indices:      indices,
		Principal:    ret.Principal,
		Payout:       ret.Payout,
		Fee:          ret.Fee,
		FeeRecipient: recipient,
		Timestamp:    now,
	}
	env := v.commit(evt, batch, true)

	if v.metrics != nil {
		v.metrics.PayoutsTotal.Add(float64(ret.Payout))
		v.metrics.FeesTotal.Add(float64(ret.Fee))
	}

	v.log.Info().
		Str("account", account.Hex()).
		Ints("indices", indices).
		Int64("payout", ret.Payout).
		Int64("fee", ret.Fee).
		Int64("seq", env.Sequence).
		Msg("withdrawal settled")

	return WithdrawResult{
		Indices:   indices,
		Principal: ret.Principal,
		Payout:    ret.Payout,
		Fee:       ret.Fee,
		Sequence:  env.Sequence,
	}, nil
}

// pay runs the payer with the re-entrancy guard held. A panicking payer is
// reported as a failed transfer so the caller can roll back.
func (v *Vault) pay(ctx context.Context, ref string, legs []Transfer) (err error) {
	v.inFlight = true
	defer func() {
		v.inFlight = false
		if r := recover(); r != nil {
			err = fmt.Errorf("payer panic: %v", r)
		}
	}()
	return v.payer.Pay(ctx, ref, legs)
}

// payoutNamespace scopes payout refs derived by payoutRef
var payoutNamespace = uuid.MustParse("3f6c2b1e-8a4d-5e7f-9b0c-1d2e3f4a5b6c")

// payoutRef derives the settlement ref from the account and the records it
// settles. A record settles at most once, so the ref is unique among
// committed withdrawals, and a retry after a failed payout reuses it.
func payoutRef(account common.Address, indices []int) uuid.UUID {
	name := make([]byte, 0, common.AddressLength+8*len(indices))
	name = append(name, account.Bytes()...)
	for _, idx := range indices {
		name = binary.BigEndian.AppendUint64(name, uint64(idx))
	}
	return uuid.NewSHA1(payoutNamespace, name)
}

func newInvestment(amount int64, now time.Time, period time.Duration) ledger.Investment {
	return ledger.Investment{
		Amount:       amount,
		DepositTime:  now,
		MaturityTime: now.Add(period),
	}
}
