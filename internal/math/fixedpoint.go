// internal/math/fixedpoint.go
package math

import (
	"fmt"
	"math/big"
	"sync"

	"PerpVault/internal/errs"
)

const (
	// Scale is the fixed-point unit for prices, amounts and leverage (1e8 = 1.0).
	Scale int64 = 100_000_000
	// BpsScale is 100% in basis points.
	BpsScale int64 = 10_000
	// SecondsPerYear is the funding year (365 days).
	SecondsPerYear int64 = 31_536_000
)

// Int128 is a pooled big.Int for intermediate calculations
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

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota // toward negative infinity
	RoundUp                       // toward positive infinity
)

// DivideInt128 performs numerator / denominator with rounding. The denominator
// must be positive. A quotient outside the int64 range is ErrOverflow.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) (int64, error) {
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	// Euclidean division: remainder >= 0, so quotient is the floor for denom > 0
	quotient.DivMod(numerator, big.NewInt(denominator), remainder)
	if roundingMode == RoundUp && remainder.Sign() != 0 {
		quotient.Add(quotient, big.NewInt(1))
	}
	if !quotient.IsInt64() {
		return 0, fmt.Errorf("%d / %d: %w", numerator, denominator, errs.ErrOverflow)
	}
	return quotient.Int64(), nil
}

// MulDiv returns a * b / denominator with the given rounding.
func MulDiv(a, b, denominator int64, roundingMode RoundingMode) (int64, error) {
	product := MultiplyInt128(a, b)
	defer putInt128(product)
	return DivideInt128(product, denominator, roundingMode)
}

// ComputeNotional returns margin * leverage / Scale.
func ComputeNotional(margin, leverage int64) (int64, error) {
	n, err := MulDiv(margin, leverage, Scale, RoundDown)
	if err != nil {
		return 0, fmt.Errorf("notional of margin %d at leverage %d: %w", margin, leverage, err)
	}
	return n, nil
}

// ComputeLeverage returns notional * Scale / margin.
func ComputeLeverage(notional, margin int64) (int64, error) {
	if margin == 0 {
		return 0, nil
	}
	return MulDiv(notional, Scale, margin, RoundDown)
}

// ComputeFee returns amount * bps / BpsScale, floored.
func ComputeFee(amount, bps int64) (int64, error) {
	fee, err := MulDiv(amount, bps, BpsScale, RoundDown)
	if err != nil {
		return 0, fmt.Errorf("fee of %d at %d bps: %w", amount, bps, err)
	}
	return fee, nil
}

// ComputeAvgEntryPrice calculates the notional-weighted average entry price.
// The result lies between the two prices, so it fits whenever they do.
func ComputeAvgEntryPrice(oldNotional, oldPrice, addNotional, addPrice int64) int64 {
	if oldNotional == 0 {
		return addPrice
	}

	// numerator = oldNotional * oldPrice + addNotional * addPrice
	term1 := MultiplyInt128(oldNotional, oldPrice)
	term2 := MultiplyInt128(addNotional, addPrice)
	numerator := getInt128()
	numerator.Add(term1, term2)

	total := getInt128()
	total.Add(big.NewInt(oldNotional), big.NewInt(addNotional))
	numerator.Quo(numerator, total)
	result := numerator.Int64()

	putInt128(term1)
	putInt128(term2)
	putInt128(numerator)
	putInt128(total)

	return result
}

// ComputePnL returns the profit or loss of closing notional opened at
// entryPrice against exitPrice. Profits round down and losses round up in
// magnitude, so the vault is never short-changed by rounding.
func ComputePnL(isLong bool, entryPrice, exitPrice, notional int64) (int64, error) {
	if entryPrice <= 0 || notional == 0 {
		return 0, nil
	}

	diff := exitPrice - entryPrice
	if !isLong {
		diff = -diff
	}

	if diff >= 0 {
		return MulDiv(notional, diff, entryPrice, RoundDown)
	}
	loss, err := MulDiv(notional, -diff, entryPrice, RoundUp)
	return -loss, err
}
