package state

import "errors"

var (
	ErrNotOwner      = errors.New("caller is not the owner")
	ErrZeroAddress   = errors.New("zero address")
	ErrFeeTooHigh    = errors.New("platform fee exceeds cap")
	ErrNegativeRate  = errors.New("rate must not be negative")
	ErrRateTooHigh   = errors.New("interest rate exceeds cap")
	ErrAlreadyPaused = errors.New("pool already paused")
	ErrNotPaused     = errors.New("pool not paused")
)
