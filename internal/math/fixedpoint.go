package math

import (
	"errors"
	"math/big"
	"sync"
)

// ErrOverflow means a result does not fit in an int64 amount
var ErrOverflow = errors.New("amount overflows int64")

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// AmountConfig is the precision of every value amount in the pool (0.00000001)
	AmountConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}
)

// BasisPointsDenominator is 100% expressed in basis points
const BasisPointsDenominator int64 = 10_000

var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b without int64 overflow. The caller owns the
// returned value and should hand it back with putInt128 when done.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding.
// Denominator must be positive. A quotient outside int64 is ErrOverflow.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) (int64, error) {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	// DivMod is Euclidean: remainder is always >= 0, so quotient is the floor.
	quotient.DivMod(numerator, denom, remainder)
	defer putInt128(quotient)
	defer putInt128(remainder)

	roundUp := false

	switch roundingMode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			roundUp = true
		} else if cmp == 0 && denominator%2 == 0 {
			roundUp = quotient.Bit(0) == 1
		}
	case RoundUp:
		roundUp = remainder.Sign() != 0
	case RoundDown:
		// floor already
	}

	if roundUp {
		quotient.Add(quotient, big.NewInt(1))
	}
	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	return quotient.Int64(), nil
}

// CheckedAdd returns a + b, or ErrOverflow when the sum leaves int64
func CheckedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // Floor, matches integer division for non-negative values
	RoundUp
)

// ApplyBasisPoints returns amount * bps / 10000 rounded down.
func ApplyBasisPoints(amount, bps int64) (int64, error) {
	product := MultiplyInt128(amount, bps)
	defer putInt128(product)
	return DivideInt128(product, BasisPointsDenominator, RoundDown)
}
