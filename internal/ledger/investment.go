package ledger

import (
	"bytes"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Investment is one time-locked deposit. MaturityTime is fixed at creation;
// Withdrawn only ever moves from false to true (except when a failed payout
// rolls the flip back inside the same operation).
type Investment struct {
	Amount       int64
	DepositTime  time.Time
	MaturityTime time.Time
	Withdrawn    bool
	WithdrawnAt  time.Time
}

// Matured reports whether the lock period has elapsed at now.
func (inv Investment) Matured(now time.Time) bool {
	return !now.Before(inv.MaturityTime)
}

// Eligible reports whether the investment can be withdrawn at now.
func (inv Investment) Eligible(now time.Time) bool {
	return !inv.Withdrawn && inv.Matured(now)
}

// InvestmentBook keeps each account's investments in an append-only arena.
// The index returned by Append is stable for the life of the book: records
// are never removed, reordered or reused.
type InvestmentBook struct {
	books map[common.Address][]*Investment
}

func NewInvestmentBook() *InvestmentBook {
	return &InvestmentBook{
		books: make(map[common.Address][]*Investment),
	}
}

// Append stores a new record and returns its index
func (b *InvestmentBook) Append(account common.Address, inv Investment) int {
	rec := inv
	b.books[account] = append(b.books[account], &rec)
	return len(b.books[account]) - 1
}

// Get returns a mutable pointer to the record at index
func (b *InvestmentBook) Get(account common.Address, index int) (*Investment, bool) {
	recs := b.books[account]
	if index < 0 || index >= len(recs) {
		return nil, false
	}
	return recs[index], true
}

// List returns copies of all records of account, in index order
func (b *InvestmentBook) List(account common.Address) []Investment {
	recs := b.books[account]
	out := make([]Investment, len(recs))
	for i, r := range recs {
		out[i] = *r
	}
	return out
}

// Len returns the number of records held by account
func (b *InvestmentBook) Len(account common.Address) int {
	return len(b.books[account])
}

// CountActive counts non-withdrawn records across all accounts
func (b *InvestmentBook) CountActive() int64 {
	var n int64
	for _, recs := range b.books {
		for _, r := range recs {
			if !r.Withdrawn {
				n++
			}
		}
	}
	return n
}

// Accounts returns every account with at least one record, sorted by address
func (b *InvestmentBook) Accounts() []common.Address {
	out := make([]common.Address, 0, len(b.books))
	for addr := range b.books {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// Restore replaces an account's records (snapshot restore only)
func (b *InvestmentBook) Restore(account common.Address, recs []Investment) {
	stored := make([]*Investment, len(recs))
	for i := range recs {
		rec := recs[i]
		stored[i] = &rec
	}
	b.books[account] = stored
}
