package transfer

import (
	"context"
	"sync"

	"PoolLedger/internal/core"

	"github.com/ethereum/go-ethereum/common"
)

// Payment is one accepted Pay call
type Payment struct {
	Ref  string
	Legs []core.Transfer
}

// MemoryPayer settles payouts into in-process balances. It backs the
// single-node dev mode and tests; failures and recipient callbacks can be
// injected.
type MemoryPayer struct {
	mu        sync.Mutex
	balances  map[common.Address]int64
	payments  []Payment
	failWith  error
	onReceive func(ctx context.Context, legs []core.Transfer) error
}

func NewMemoryPayer() *MemoryPayer {
	return &MemoryPayer{
		balances: make(map[common.Address]int64),
	}
}

// FailWith makes every subsequent Pay return err (nil clears it)
func (p *MemoryPayer) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

// OnReceive installs a callback run before delivery, with the caller's
// context. It models recipient code that can call back into the vault.
// A non-nil return refuses the whole payment.
func (p *MemoryPayer) OnReceive(fn func(ctx context.Context, legs []core.Transfer) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReceive = fn
}

func (p *MemoryPayer) Pay(ctx context.Context, ref string, legs []core.Transfer) error {
	p.mu.Lock()
	hook, failWith := p.onReceive, p.failWith
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, legs); err != nil {
			return err
		}
	}
	if failWith != nil {
		return failWith
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, leg := range legs {
		p.balances[leg.To] += leg.Amount
	}
	p.payments = append(p.payments, Payment{Ref: ref, Legs: append([]core.Transfer(nil), legs...)})
	return nil
}

// Received returns the total delivered to addr
func (p *MemoryPayer) Received(addr common.Address) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[addr]
}

// Payments returns every accepted payment in order
func (p *MemoryPayer) Payments() []Payment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Payment(nil), p.payments...)
}
