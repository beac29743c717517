package core

import (
	"context"
	"fmt"

	"PoolLedger/internal/event"
	"PoolLedger/internal/ledger"
	"PoolLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the in-memory state needed to resume the vault
type SnapshotState struct {
	// Sequence is the last committed sequence
	Sequence        int64
	StateHash       [32]byte
	Balances        map[ledger.AccountKey]int64
	Investments     map[common.Address][]ledger.Investment
	Pool            state.PoolState
	Rates           state.RateConfig
	Owner           common.Address
	Paused          bool
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current state for persistence
func (v *Vault) CreateSnapshotState(ctx context.Context) *SnapshotState {
	_, release := v.acquire(ctx)
	defer release()

	investments := make(map[common.Address][]ledger.Investment)
	for _, addr := range v.book.Accounts() {
		investments[addr] = v.book.List(addr)
	}

	return &SnapshotState{
		Sequence:        v.sequence - 1,
		StateHash:       v.hasher.GetPrevHash(),
		Balances:        v.balances.Snapshot(),
		Investments:     investments,
		Pool:            v.pool,
		Rates:           v.rates.Get(),
		Owner:           v.access.Owner(),
		Paused:          v.pause.IsPaused(),
		IdempotencyKeys: v.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot loads a snapshot into a freshly constructed vault.
// Events after snap.Sequence are then replayed with ApplyEvent.
func (v *Vault) RestoreFromSnapshot(snap *SnapshotState) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.sequence = snap.Sequence + 1
	v.hasher.SetPrevHash(snap.StateHash)

	for key, balance := range snap.Balances {
		v.balances.SetBalance(key, balance)
	}
	for addr, recs := range snap.Investments {
		v.book.Restore(addr, recs)
	}

	v.pool = snap.Pool
	v.rates.Restore(snap.Rates)
	v.access.SetOwner(snap.Owner)
	v.pause.Set(snap.Paused)
	v.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
}

// WarmLRU loads recent request keys (composite "EventType:key") into the
// dedup cache.
func (v *Vault) WarmLRU(keys []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence to be assigned
func (v *Vault) GetSequence() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sequence
}

// GetStateHash returns the current chain tip
func (v *Vault) GetStateHash() [32]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasher.GetPrevHash()
}

// CheckInvariants runs the full invariant sweep on demand
func (v *Vault) CheckInvariants(ctx context.Context) error {
	_, release := v.acquire(ctx)
	defer release()

	if err := v.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := v.validator.ValidatePoolNonNegative(v.cfg.AssetID); err != nil {
		return err
	}
	if live := v.book.CountActive(); live != v.pool.TotalActiveInvestments {
		return fmt.Errorf("active counter %d != live records %d", v.pool.TotalActiveInvestments, live)
	}
	return nil
}

// ApplyEvent replays a logged envelope without calling the payer or
// emitting outputs. The recomputed state hash must match the logged one.
func (v *Vault) ApplyEvent(env *event.EventEnvelope) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if env.Sequence != v.sequence {
		return fmt.Errorf("replay: expected sequence %d, got %d", v.sequence, env.Sequence)
	}

	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}

	batch, err := v.replay(evt)
	if err != nil {
		return fmt.Errorf("replay seq %d (%s): %w", env.Sequence, env.EventType, err)
	}

	replayed := v.commit(evt, batch, false)
	if replayed.StateHash != env.StateHash {
		return fmt.Errorf("replay seq %d: state hash mismatch: logged %x, computed %x",
			env.Sequence, env.StateHash, replayed.StateHash)
	}

	if im, ok := evt.(*event.InvestmentMade); ok && im.RequestID != "" {
		v.idempotency.MarkProcessed(event.EventTypeInvestmentMade.String(), im.RequestID)
	}
	return nil
}

func (v *Vault) replay(evt event.Event) (*ledger.Batch, error) {
	ts := evt.OccurredAt().UnixMicro()

	switch e := evt.(type) {
	case *event.InvestmentMade:
		batch, err := v.journalGen.GenerateInvestment(v.sequence, e.OperationID.String(), e.Amount, ts)
		if err != nil {
			return nil, err
		}
		if err := v.pool.RecordInvestment(e.Amount); err != nil {
			return nil, fmt.Errorf("total invested: %w", err)
		}
		index := v.book.Append(e.Account, ledger.Investment{
			Amount:       e.Amount,
			DepositTime:  e.DepositTime,
			MaturityTime: e.MaturityTime,
		})
		if index != e.Index {
			return nil, fmt.Errorf("investment index %d, logged %d", index, e.Index)
		}
		v.applyBatch(batch)
		return batch, nil

	case *event.Withdrawal:
		for _, idx := range e.Indices {
			rec, ok := v.book.Get(e.Account, idx)
			if !ok || rec.Withdrawn {
				return nil, fmt.Errorf("withdrawal of index %d not applicable", idx)
			}
			rec.Withdrawn = true
			rec.WithdrawnAt = e.Timestamp
		}
		v.pool.RecordWithdrawals(len(e.Indices))
		batch, err := v.journalGen.GenerateSettlement(
			v.sequence, e.OperationID.String(), e.Account, e.Payout, e.FeeRecipient, e.Fee, ts)
		if err != nil {
			return nil, err
		}
		v.applyBatch(batch)
		return batch, nil

	case *event.FundsDeposited:
		batch, err := v.journalGen.GeneratePoolFunding(v.sequence, e.OperationID.String(), e.Amount, ts)
		if err != nil {
			return nil, err
		}
		v.applyBatch(batch)
		return batch, nil

	case *event.InterestRateUpdated:
		cfg := v.rates.Get()
		cfg.InterestRateBps = e.NewBps
		v.rates.Restore(cfg)

	case *event.PlatformFeeUpdated:
		cfg := v.rates.Get()
		cfg.PlatformFeeBps = e.NewBps
		cfg.FeeRecipient = e.NewRecipient
		v.rates.Restore(cfg)

	case *event.Paused:
		v.pause.Set(true)

	case *event.Unpaused:
		v.pause.Set(false)

	case *event.OwnershipTransferred:
		v.access.SetOwner(e.NewOwner)

	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}

	return nil, nil
}
