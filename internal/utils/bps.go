/*
This file contains the shared integer basis-point arithmetic used across the
scorer, decision engine, and waterfall. Everything is exact sdkmath.Int math
with the fixed 10000 denominator; no floating point anywhere on this path.
*/

package utils

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/velikanghost/alioth-engine/internal/types"
)

var (
	ErrAmountNil      = errors.New("amount is nil")
	ErrAmountNegative = errors.New("amount is negative")
	ErrBpsOutOfRange  = errors.New("basis points out of range")
	ErrZeroTotal      = errors.New("total is zero")
)

// ValidateAmount rejects nil and negative sdkmath values before they reach
// allocation arithmetic.
func ValidateAmount(amount sdkmath.Int) error {
	if amount.IsNil() {
		return ErrAmountNil
	}
	if amount.IsNegative() {
		return ErrAmountNegative
	}
	return nil
}

// MulBps returns amount * bps / 10000, truncated. bps must be in [0, 10000].
func MulBps(amount sdkmath.Int, bps int64) (sdkmath.Int, error) {
	if err := ValidateAmount(amount); err != nil {
		return sdkmath.ZeroInt(), err
	}
	if bps < 0 || bps > types.BpsDenominator {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %d", ErrBpsOutOfRange, bps)
	}
	return amount.MulRaw(bps).QuoRaw(types.BpsDenominator), nil
}

// BpsOf returns part / total in basis points, truncated. A zero total is an
// error because the ratio is undefined, not zero.
func BpsOf(part, total sdkmath.Int) (int64, error) {
	if err := ValidateAmount(part); err != nil {
		return 0, err
	}
	if err := ValidateAmount(total); err != nil {
		return 0, err
	}
	if total.IsZero() {
		return 0, ErrZeroTotal
	}
	return part.MulRaw(types.BpsDenominator).Quo(total).Int64(), nil
}

// MinInt64 is the two-value minimum the cap clamping uses.
func MinInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// MinInt returns the smaller sdkmath.Int.
func MinInt(a, b sdkmath.Int) sdkmath.Int {
	if a.LT(b) {
		return a
	}
	return b
}
