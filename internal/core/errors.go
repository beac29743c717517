package core

import (
	"errors"

	"PoolLedger/internal/state"
)

// ErrorKind classifies a rejected operation. Every rejection leaves the
// vault exactly as it was before the call.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindValidation: malformed or out-of-range input
	KindValidation
	// KindAuthorization: caller lacks the required identity
	KindAuthorization
	// KindState: operation not allowed in the current state
	KindState
	// KindResource: the pool cannot cover the requested outflow
	KindResource
	// KindTransfer: the settlement substrate refused the payout
	KindTransfer
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindResource:
		return "resource"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

var (
	ErrBelowMinimum      = errors.New("amount below minimum investment")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidIndex      = errors.New("investment index out of range")
	ErrInvalidAddress    = errors.New("invalid account address")
	ErrNotMatured        = errors.New("investment has not matured")
	ErrAlreadyWithdrawn  = errors.New("investment already withdrawn")
	ErrNothingToWithdraw = errors.New("no matured investments to withdraw")
	ErrPaused            = errors.New("pool is paused")
	ErrDuplicateRequest  = errors.New("duplicate request id")
	ErrReentrantCall     = errors.New("operation already in flight")
	ErrAmountTooLarge    = errors.New("amount would overflow pool totals")

	ErrInsufficientPoolBalance = errors.New("insufficient pool balance")
	ErrTransferFailed          = errors.New("payout transfer failed")

	ErrNotOwner      = state.ErrNotOwner
	ErrFeeTooHigh    = state.ErrFeeTooHigh
	ErrNegativeRate  = state.ErrNegativeRate
	ErrRateTooHigh   = state.ErrRateTooHigh
	ErrAlreadyPaused = state.ErrAlreadyPaused
	ErrNotPaused     = state.ErrNotPaused
)

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	// Transfer first: a payer may surface a wrapped vault error from a callback.
	{ErrTransferFailed, KindTransfer},
	{ErrBelowMinimum, KindValidation},
	{ErrInvalidAmount, KindValidation},
	{ErrInvalidIndex, KindValidation},
	{ErrInvalidAddress, KindValidation},
	{state.ErrZeroAddress, KindValidation},
	{ErrFeeTooHigh, KindValidation},
	{ErrNegativeRate, KindValidation},
	{ErrRateTooHigh, KindValidation},
	{ErrAmountTooLarge, KindValidation},
	{ErrNotOwner, KindAuthorization},
	{ErrNotMatured, KindState},
	{ErrAlreadyWithdrawn, KindState},
	{ErrNothingToWithdraw, KindState},
	{ErrPaused, KindState},
	{ErrAlreadyPaused, KindState},
	{ErrNotPaused, KindState},
	{ErrDuplicateRequest, KindState},
	{ErrReentrantCall, KindState},
	{ErrInsufficientPoolBalance, KindResource},
}

// KindOf returns the classification of err, or KindUnknown
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	return KindUnknown
}
