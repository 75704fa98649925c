package state

import (
	"fmt"

	"PerpVault/internal/errs"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/store"
)

// LiquidationEngine decides when a position has lost enough of its margin to
// be force-closed and computes how the forfeited margin is divided.
type LiquidationEngine struct {
	positions *PositionLedger
	products  *ProductRegistry
}

func NewLiquidationEngine(pl *PositionLedger, pr *ProductRegistry) *LiquidationEngine {
	return &LiquidationEngine{positions: pl, products: pr}
}

// IsLiquidatable reports whether margin + pnl <= margin * (1 - threshold),
// with pnl measured at price. Funding does not count toward the gate.
func IsLiquidatable(pos Position, product Product, price int64) (bool, error) {
	pnl, err := fpmath.ComputePnL(pos.Key.IsLong, pos.Price, price, pos.Notional())
	if err != nil {
		return false, fmt.Errorf("position %s at price %d: %w", pos.ID, price, err)
	}

	// (margin + pnl) * 1e4 <= margin * (1e4 - threshold)
	lhs := fpmath.MultiplyInt128(pos.Margin, fpmath.BpsScale)
	lhs.Add(lhs, fpmath.MultiplyInt128(pnl, fpmath.BpsScale))
	rhs := fpmath.MultiplyInt128(pos.Margin, fpmath.BpsScale-product.LiquidationThresholdBps)
	return lhs.Cmp(rhs) <= 0, nil
}

// Check evaluates the position at key against price.
func (le *LiquidationEngine) Check(key PositionKey, price int64) (bool, error) {
	pos, ok := le.positions.Get(key)
	if !ok {
		return false, fmt.Errorf("position %s: %w", key.ID(), errs.ErrPositionNotFound)
	}
	product, err := le.products.MustGet(key.ProductID)
	if err != nil {
		return false, err
	}
	return IsLiquidatable(pos, product, price)
}

// LiquidationResult describes a forced close.
type LiquidationResult struct {
	Position       Position
	Product        Product
	Price          int64 // oracle price the gate was evaluated at
	PnL            int64 // loss at Price
	FundingCharged int64
	Bounty         int64 // paid to the liquidator
	VaultDelta     int64 // margin - bounty
}

// Liquidate force-closes the position at key for its full margin. The trader
// recovers nothing; the liquidator receives bountyBps of whatever margin is
// left after the loss and funding, and the vault takes the rest.
func (le *LiquidationEngine) Liquidate(tx *store.Tx, key PositionKey, price, bountyBps, now int64) (LiquidationResult, error) {
	pos, ok := le.positions.Get(key)
	if !ok {
		return LiquidationResult{}, fmt.Errorf("position %s: %w", key.ID(), errs.ErrPositionNotFound)
	}
	product, err := le.products.MustGet(key.ProductID)
	if err != nil {
		return LiquidationResult{}, err
	}
	liquidatable, err := IsLiquidatable(pos, product, price)
	if err != nil {
		return LiquidationResult{}, err
	}
	if !liquidatable {
		return LiquidationResult{}, fmt.Errorf("position %s at price %d: %w", pos.ID, price, errs.ErrNotLiquidatable)
	}

	notional := pos.Notional()
	pnl, err := fpmath.ComputePnL(key.IsLong, pos.Price, price, notional)
	if err != nil {
		return LiquidationResult{}, err
	}
	funding, err := fpmath.ComputeFundingFee(pos.Margin, pos.Leverage, product.AnnualInterestBps, now-pos.Timestamp)
	if err != nil {
		return LiquidationResult{}, err
	}

	// a liquidatable position lost at least part of its margin, so
	// margin + pnl cannot overflow
	remaining := max(pos.Margin+pnl, 0)
	fundingCharged := min(funding, remaining)
	remaining -= fundingCharged
	bounty, err := fpmath.ComputeFee(remaining, bountyBps)
	if err != nil {
		return LiquidationResult{}, err
	}

	le.positions.remove(tx, pos)
	product, err = le.products.adjustOpenInterest(tx, key.ProductID, key.IsLong, -notional)
	if err != nil {
		return LiquidationResult{}, err
	}

	return LiquidationResult{
		Position:       pos,
		Product:        product,
		Price:          price,
		PnL:            pnl,
		FundingCharged: fundingCharged,
		Bounty:         bounty,
		VaultDelta:     pos.Margin - bounty,
	}, nil
}
