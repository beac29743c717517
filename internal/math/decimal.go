package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ParseAmount converts a decimal string ("0.01") to fixed-point units.
// More than AmountConfig.DecimalPrecision fractional digits is an error
// rather than a silent truncation.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	scaled := d.Shift(int32(AmountConfig.DecimalPrecision))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", s, AmountConfig.DecimalPrecision)
	}
	if scaled.GreaterThan(decimal.NewFromInt(maxInt64)) || scaled.LessThan(decimal.NewFromInt(-maxInt64)) {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	return scaled.IntPart(), nil
}

// FormatAmount renders fixed-point units as a decimal string.
func FormatAmount(units int64) string {
	return decimal.New(units, -int32(AmountConfig.DecimalPrecision)).String()
}

// FormatBps renders basis points as a percentage string ("12.5").
func FormatBps(bps int64) string {
	return decimal.New(bps, -2).String()
}

const maxInt64 = int64(^uint64(0) >> 1)
