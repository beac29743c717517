package state

import fpmath "PoolLedger/internal/math"

// PoolState tracks the aggregate counters of the pool. The current balance
// is not held here: it is the balance of the system:pool ledger account.
type PoolState struct {
	// Sum of principal ever deposited; never decreases
	TotalInvested int64
	// Number of records with Withdrawn == false
	TotalActiveInvestments int64
}

// RecordInvestment adds amount to the totals. On overflow nothing changes.
func (p *PoolState) RecordInvestment(amount int64) error {
	total, err := fpmath.CheckedAdd(p.TotalInvested, amount)
	if err != nil {
		return err
	}
	p.TotalInvested = total
	p.TotalActiveInvestments++
	return nil
}

func (p *PoolState) RecordWithdrawals(count int) {
	p.TotalActiveInvestments -= int64(count)
}

// RevertWithdrawals undoes RecordWithdrawals within the same operation
func (p *PoolState) RevertWithdrawals(count int) {
	p.TotalActiveInvestments += int64(count)
}
