package core

import (
	"context"
	"fmt"
	"time"

	"PoolLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// DepositFunds tops up the pool so it can cover interest. Owner only unless
// the vault was configured with OpenFunding. Returns the new pool balance.
func (v *Vault) DepositFunds(ctx context.Context, funder common.Address, amount int64) (int64, error) {
	start := time.Now()
	_, release := v.acquire(ctx)
	defer release()

	balance, err := v.depositFunds(funder, amount)
	v.observe(opDepositFunds, start, err)
	return balance, err
}

func (v *Vault) depositFunds(funder common.Address, amount int64) (int64, error) {
	if err := requireAddress(funder); err != nil {
		return 0, err
	}
	if !v.cfg.OpenFunding {
		if err := v.access.RequireOwner(funder); err != nil {
			return 0, err
		}
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%d: %w", amount, ErrInvalidAmount)
	}
	if err := v.guardReentry(); err != nil {
		return 0, err
	}

	now := v.clock.Now()
	opID := uuid.New()

	batch, err := v.journalGen.GeneratePoolFunding(v.sequence, opID.String(), amount, now.UnixMicro())
	if err != nil {
		return 0, err
	}
	if err := v.checkBatch(batch); err != nil {
		return 0, err
	}
	v.applyBatch(batch)

	v.commit(&event.FundsDeposited{
		OperationID: opID,
		Funder:      funder,
		Amount:      amount,
		Timestamp:   now,
	}, batch, true)

	balance := v.currentBalance()
	v.log.Info().Str("funder", funder.Hex()).Int64("amount", amount).Int64("balance", balance).Msg("pool funded")
	return balance, nil
}

// SetInterestRate changes the rate applied to every future withdrawal,
// including investments made before the change.
func (v *Vault) SetInterestRate(ctx context.Context, caller common.Address, bps int64) error {
	start := time.Now()
	_, release := v.acquire(ctx)
	defer release()

	err := v.setInterestRate(caller, bps)
	v.observe(opSetInterestRate, start, err)
	return err
}

func (v *Vault) setInterestRate(caller common.Address, bps int64) error {
	if err := v.access.RequireOwner(caller); err != nil {
		return err
	}
	if err := v.guardReentry(); err != nil {
		return err
	}
	old, err := v.rates.SetInterestRate(bps)
	if err != nil {
		return err
	}

	v.commit(&event.InterestRateUpdated{
		OperationID: uuid.New(),
		By:          caller,
		OldBps:      old,
		NewBps:      bps,
		Timestamp:   v.clock.Now(),
	}, nil, true)

	v.log.Info().Int64("old_bps", old).Int64("new_bps", bps).Msg("interest rate updated")
	return nil
}

// SetPlatformFee changes the fee share of interest and where it is paid.
// Fees above 500 bps are rejected.
func (v *Vault) SetPlatformFee(ctx context.Context, caller common.Address, bps int64, recipient common.Address) error {
	start := time.Now()
	_, release := v.acquire(ctx)
	defer release()

	err := v.setPlatformFee(caller, bps, recipient)
	v.observe(opSetPlatformFee, start, err)
	return err
}

func (v *Vault) setPlatformFee(caller common.Address, bps int64, recipient common.Address) error {
	if err := v.access.RequireOwner(caller); err != nil {
		return err
	}
	if err := v.guardReentry(); err != nil {
		return err
	}
	old, err := v.rates.SetPlatformFee(bps, recipient)
	if err != nil {
		return err
	}

	v.commit(&event.PlatformFeeUpdated{
		OperationID:  uuid.New(),
		By:           caller,
		OldBps:       old.PlatformFeeBps,
		NewBps:       bps,
		OldRecipient: old.FeeRecipient,
		NewRecipient: recipient,
		Timestamp:    v.clock.Now(),
	}, nil, true)

	v.log.Info().
		Int64("old_bps", old.PlatformFeeBps).
		Int64("new_bps", bps).
		Str("recipient", recipient.Hex()).
		Msg("platform fee updated")
	return nil
}

// Pause stops new investments. Withdrawals are unaffected.
func (v *Vault) Pause(ctx context.Context, caller common.Address) error {
	start := time.Now()
	_, release := v.acquire(ctx)
	defer release()

	err := v.setPaused(caller, true)
	v.observe(opPause, start, err)
	return err
}

func (v *Vault) Unpause(ctx context.Context, caller common.Address) error {
	start := time.Now()
	_, release := v.acquire(ctx)
	defer release()

	err := v.setPaused(caller, false)
	v.observe(opUnpause, start, err)
	return err
}

func (v *Vault) setPaused(caller common.Address, paused bool) error {
	if err := v.access.RequireOwner(caller); err != nil {
		return err
	}
	if err := v.guardReentry(); err != nil {
		return err
	}

	now := v.clock.Now()
	var evt event.Event
	if paused {
		if err := v.pause.Pause(); err != nil {
			return err
		}
		evt = &event.Paused{OperationID: uuid.New(), By: caller, Timestamp: now}
	} else {
		if err := v.pause.Unpause(); err != nil {
			return err
		}
		evt = &event.Unpaused{OperationID: uuid.New(), By: caller, Timestamp: now}
	}

	v.commit(evt, nil, true)
	v.log.Warn().Bool("paused", paused).Str("by", caller.Hex()).Msg("pause switch toggled")
	return nil
}

// TransferOwnership hands every owner-gated operation to newOwner
func (v *Vault) TransferOwnership(ctx context.Context, caller, newOwner common.Address) error {
	start := time.Now()
	_, release := v.acquire(ctx)
	defer release()

	err := v.transferOwnership(caller, newOwner)
	v.observe(opTransferOwnership, start, err)
	return err
}

func (v *Vault) transferOwnership(caller, newOwner common.Address) error {
	if err := v.access.RequireOwner(caller); err != nil {
		return err
	}
	if err := v.guardReentry(); err != nil {
		return err
	}
	prev, err := v.access.TransferOwnership(caller, newOwner)
	if err != nil {
		return err
	}

	v.commit(&event.OwnershipTransferred{
		OperationID:   uuid.New(),
		PreviousOwner: prev,
		NewOwner:      newOwner,
		Timestamp:     v.clock.Now(),
	}, nil, true)

	v.log.Warn().Str("previous", prev.Hex()).Str("new", newOwner.Hex()).Msg("ownership transferred")
	return nil
}
