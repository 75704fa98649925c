package math

import (
	"fmt"
	"math/big"

	"PerpVault/internal/errs"
)

// PriceInput is a consistent snapshot of everything the execution price
// depends on.
type PriceInput struct {
	IsLong            bool
	OpenInterestLong  int64
	OpenInterestShort int64
	MaxExposure       int64
	Reserve           int64
	OraclePrice       int64
	Amount            int64 // trade notional
	MaxShift          int64 // 1e8 scale, e.g. 300_000 = 0.3%
	ShiftDivider      int64 // damping applied to the favorable side of the shift
}

var bigScale = big.NewInt(Scale)

// CalculatePrice prices a trade of notional Amount against a virtual
// constant-product pool of depth Reserve, then skews the result by the
// long/short open-interest imbalance.
func CalculatePrice(in PriceInput) (int64, error) {
	if in.Amount <= 0 {
		return 0, fmt.Errorf("trade notional %d: %w", in.Amount, errs.ErrInvalidAmount)
	}
	if in.OraclePrice <= 0 {
		return 0, fmt.Errorf("oracle price %d: %w", in.OraclePrice, errs.ErrOracle)
	}
	if in.Reserve <= 0 {
		return 0, fmt.Errorf("reserve %d: %w", in.Reserve, errs.ErrInsufficientLiquidity)
	}
	if in.MaxExposure <= 0 {
		return 0, fmt.Errorf("max exposure %d: %w", in.MaxExposure, errs.ErrInsufficientLiquidity)
	}
	divider := in.ShiftDivider
	if divider <= 0 {
		divider = 1
	}

	impact, err := priceImpact(in.IsLong, in.Reserve, in.Amount)
	if err != nil {
		return 0, err
	}

	shift := ComputeShift(in.OpenInterestLong, in.OpenInterestShort, in.MaxShift, in.MaxExposure)
	if in.IsLong {
		if shift >= 0 {
			impact.Add(impact, big.NewInt(shift))
		} else {
			impact.Sub(impact, big.NewInt(-shift/divider))
		}
	} else {
		if shift >= 0 {
			impact.Add(impact, big.NewInt(shift/divider))
		} else {
			impact.Sub(impact, big.NewInt(-shift))
		}
	}
	if impact.Sign() <= 0 {
		return 0, fmt.Errorf("price impact underflow: %w", errs.ErrInsufficientLiquidity)
	}

	// price = ceil(oracle * impact / 1e8)
	price, err := DivideInt128(impact.Mul(impact, big.NewInt(in.OraclePrice)), Scale, RoundUp)
	if err != nil {
		return 0, fmt.Errorf("execution price: %v: %w", err, errs.ErrInsufficientLiquidity)
	}
	return price, nil
}

// priceImpact returns the size-dependent price multiplier (1e8 = no impact).
// Each division floors, in the order written.
func priceImpact(isLong bool, reserve, amount int64) (*big.Int, error) {
	r := big.NewInt(reserve)
	a := big.NewInt(amount)
	rSquared := new(big.Int).Mul(r, r)

	impact := new(big.Int)
	if isLong {
		if amount >= reserve {
			return nil, fmt.Errorf("notional %d exceeds reserve %d: %w", amount, reserve, errs.ErrInsufficientLiquidity)
		}
		// (r^2 / (r - a) - r) * 1e8 / a
		impact.Quo(rSquared, new(big.Int).Sub(r, a))
		impact.Sub(impact, r)
	} else {
		// (r - r^2 / (r + a)) * 1e8 / a
		impact.Quo(rSquared, new(big.Int).Add(r, a))
		impact.Sub(r, impact)
	}
	impact.Mul(impact, bigScale)
	impact.Quo(impact, a)
	return impact, nil
}

// ComputeShift returns the signed inventory skew
// (oiLong - oiShort) * maxShift / maxExposure, truncated toward zero.
func ComputeShift(oiLong, oiShort, maxShift, maxExposure int64) int64 {
	if maxExposure <= 0 {
		return 0
	}
	num := new(big.Int).Sub(big.NewInt(oiLong), big.NewInt(oiShort))
	num.Mul(num, big.NewInt(maxShift))
	num.Quo(num, big.NewInt(maxExposure))
	return num.Int64()
}
