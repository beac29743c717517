package ledger

import (
	"fmt"

	fpmath "PoolLedger/internal/math"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// CheckBatch reports whether batch can be applied: it must be well-formed
// and no touched balance may leave int64. Balances are not modified.
func (bt *BalanceTracker) CheckBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	next := make(map[AccountKey]int64, 2*len(batch.Journals))
	balance := func(key AccountKey) int64 {
		if b, ok := next[key]; ok {
			return b
		}
		return bt.balances[key]
	}
	for _, j := range batch.Journals {
		debit, err := fpmath.CheckedAdd(balance(j.DebitAccount), j.Amount)
		if err != nil {
			return fmt.Errorf("debit %s by %d: %w", j.DebitAccount.AccountPath(), j.Amount, err)
		}
		credit, err := fpmath.CheckedAdd(balance(j.CreditAccount), -j.Amount)
		if err != nil {
			return fmt.Errorf("credit %s by %d: %w", j.CreditAccount.AccountPath(), j.Amount, err)
		}
		next[j.DebitAccount] = debit
		next[j.CreditAccount] = credit
	}
	return nil
}

// ApplyBatch applies all journals in a batch. A batch that fails CheckBatch
// leaves every balance untouched.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := bt.CheckBatch(batch); err != nil {
		return err
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// RevertBatch undoes a previously applied batch. Used when the payout
// transfer fails after balances were already debited.
func (bt *BalanceTracker) RevertBatch(batch *Batch) {
	for i := len(batch.Journals) - 1; i >= 0; i-- {
		j := batch.Journals[i]
		bt.balances[j.DebitAccount] -= j.Amount
		bt.balances[j.CreditAccount] += j.Amount
	}
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance overwrites a balance (snapshot restore only)
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
