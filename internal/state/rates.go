package state

import (
	"fmt"

	fpmath "PoolLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// RateConfig is the owner-controlled economics of the pool.
// Rates are basis points: 1250 = 12.5%.
type RateConfig struct {
	InterestRateBps int64
	PlatformFeeBps  int64
	FeeRecipient    common.Address
}

// ValidateRateConfig checks that a configuration is within valid ranges:
// 0 <= interest <= MaxInterestRateBps, 0 <= fee <= MaxPlatformFeeBps and
// a non-zero recipient.
func ValidateRateConfig(cfg RateConfig) error {
	if cfg.InterestRateBps < 0 {
		return fmt.Errorf("interest rate %d: %w", cfg.InterestRateBps, ErrNegativeRate)
	}
	if cfg.InterestRateBps > fpmath.MaxInterestRateBps {
		return fmt.Errorf("interest rate %d > %d: %w", cfg.InterestRateBps, fpmath.MaxInterestRateBps, ErrRateTooHigh)
	}
	if cfg.PlatformFeeBps < 0 {
		return fmt.Errorf("platform fee %d: %w", cfg.PlatformFeeBps, ErrNegativeRate)
	}
	if cfg.PlatformFeeBps > fpmath.MaxPlatformFeeBps {
		return fmt.Errorf("platform fee %d > %d: %w", cfg.PlatformFeeBps, fpmath.MaxPlatformFeeBps, ErrFeeTooHigh)
	}
	if cfg.FeeRecipient == (common.Address{}) {
		return fmt.Errorf("fee recipient: %w", ErrZeroAddress)
	}
	return nil
}

// RateManager holds the current RateConfig. Updates are validated as a
// whole, so a rejected update never leaves a partially applied config.
type RateManager struct {
	cfg RateConfig
}

func NewRateManager(cfg RateConfig) (*RateManager, error) {
	if err := ValidateRateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid initial rates: %w", err)
	}
	return &RateManager{cfg: cfg}, nil
}

func (rm *RateManager) Get() RateConfig {
	return rm.cfg
}

// SetInterestRate replaces the interest rate and returns the old value
func (rm *RateManager) SetInterestRate(bps int64) (int64, error) {
	next := rm.cfg
	next.InterestRateBps = bps
	if err := ValidateRateConfig(next); err != nil {
		return 0, err
	}
	old := rm.cfg.InterestRateBps
	rm.cfg = next
	return old, nil
}

// SetPlatformFee replaces fee and recipient together and returns the old config
func (rm *RateManager) SetPlatformFee(bps int64, recipient common.Address) (RateConfig, error) {
	next := rm.cfg
	next.PlatformFeeBps = bps
	next.FeeRecipient = recipient
	if err := ValidateRateConfig(next); err != nil {
		return RateConfig{}, err
	}
	old := rm.cfg
	rm.cfg = next
	return old, nil
}

// Restore overwrites the config without validation (snapshot restore only)
func (rm *RateManager) Restore(cfg RateConfig) {
	rm.cfg = cfg
}
