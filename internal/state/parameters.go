package state

import (
	"fmt"

	"PerpVault/internal/errs"
	fpmath "PerpVault/internal/math"
)

// Parameters are the exchange-wide trading and vault settings.
type Parameters struct {
	MaxShift              int64 // 1e8 scale
	ShiftDivider          int64
	MinMargin             int64
	MaxPositionMargin     int64 // cap on one position's total margin
	CanUserStake          bool
	AllowPublicLiquidator bool
	ManagerOnlyForOpen    bool
	ManagerOnlyForClose   bool
	ExposureMultiplier    int64 // bps of vault balance usable as exposure
	MaxExposureMultiplier int64 // how many maxExposures one side may lead by
	LiquidationBountyBps  int64 // share of the remaining margin paid to the liquidator
}

// DefaultParameters mirrors the reference deployment.
func DefaultParameters() Parameters {
	return Parameters{
		MaxShift:              300_000, // 0.3%
		ShiftDivider:          2,
		MinMargin:             0,
		MaxPositionMargin:     100_000e8,
		CanUserStake:          true,
		AllowPublicLiquidator: true,
		ExposureMultiplier:    10_000,
		MaxExposureMultiplier: 3,
		LiquidationBountyBps:  5_000,
	}
}

// ValidateParameters checks that parameters are within valid ranges.
func ValidateParameters(p Parameters) error {
	if p.MaxShift < 0 || p.MaxShift > fpmath.Scale/10 {
		return fmt.Errorf("max_shift out of range: %d: %w", p.MaxShift, errs.ErrInvalidParameters)
	}
	if p.ShiftDivider <= 0 {
		return fmt.Errorf("shift_divider must be > 0, got %d: %w", p.ShiftDivider, errs.ErrInvalidParameters)
	}
	if p.MinMargin < 0 {
		return fmt.Errorf("min_margin must be >= 0, got %d: %w", p.MinMargin, errs.ErrInvalidParameters)
	}
	if p.MaxPositionMargin <= 0 || p.MaxPositionMargin < p.MinMargin {
		return fmt.Errorf("max_position_margin must be > 0 and >= min_margin, got %d: %w", p.MaxPositionMargin, errs.ErrInvalidParameters)
	}
	if p.ExposureMultiplier <= 0 {
		return fmt.Errorf("exposure_multiplier must be > 0, got %d: %w", p.ExposureMultiplier, errs.ErrInvalidParameters)
	}
	if p.MaxExposureMultiplier <= 0 {
		return fmt.Errorf("max_exposure_multiplier must be > 0, got %d: %w", p.MaxExposureMultiplier, errs.ErrInvalidParameters)
	}
	if p.LiquidationBountyBps < 0 || p.LiquidationBountyBps > fpmath.BpsScale {
		return fmt.Errorf("liquidation_bounty_bps out of range: %d: %w", p.LiquidationBountyBps, errs.ErrInvalidParameters)
	}
	return nil
}
