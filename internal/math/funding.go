// internal/math/funding.go
package math

import (
	"fmt"
	"math/big"

	"PerpVault/internal/errs"
)

// fundingDenominator = 1e8 (leverage scale) * 1e4 (bps) * SecondsPerYear
var fundingDenominator = new(big.Int).Mul(big.NewInt(1_000_000_000_000), big.NewInt(SecondsPerYear))

// ComputeFundingFee returns the financing cost of holding margin at leverage
// for elapsedSeconds at annualInterestBps:
//
//	margin * leverage * annualInterestBps * elapsed / (1e12 * SecondsPerYear)
//
// The result is floored. Non-positive elapsed time or rate costs nothing.
func ComputeFundingFee(margin, leverage, annualInterestBps, elapsedSeconds int64) (int64, error) {
	if elapsedSeconds <= 0 || annualInterestBps <= 0 || margin <= 0 {
		return 0, nil
	}

	// raw = margin * leverage * interest * elapsed
	temp := MultiplyInt128(margin, leverage)
	defer putInt128(temp)
	temp.Mul(temp, big.NewInt(annualInterestBps))
	temp.Mul(temp, big.NewInt(elapsedSeconds))

	fee := getInt128()
	defer putInt128(fee)
	fee.Quo(temp, fundingDenominator)
	if !fee.IsInt64() {
		return 0, fmt.Errorf("funding on margin %d over %ds: %w", margin, elapsedSeconds, errs.ErrOverflow)
	}
	return fee.Int64(), nil
}
