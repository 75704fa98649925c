package state

import (
	"bytes"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"PerpVault/internal/errs"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/store"
)

// Market is the pricing context of one trade, assembled by the caller from
// the oracle, the vault and the exchange parameters.
type Market struct {
	OraclePrice int64
	MaxExposure int64
	FeeBps      int64 // effective fee after any volume discount
	Params      Parameters
	Now         int64 // unix seconds
}

// PositionLedger owns position records and the open-interest counters of
// every product.
type PositionLedger struct {
	positions   *store.Table[PositionKey, Position]
	ids         *store.Table[uuid.UUID, PositionKey]
	totalMargin *store.Value[int64]
	products    *ProductRegistry
}

func NewPositionLedger(products *ProductRegistry) *PositionLedger {
	return &PositionLedger{
		positions:   store.NewTable[PositionKey, Position](),
		ids:         store.NewTable[uuid.UUID, PositionKey](),
		totalMargin: store.NewValue[int64](0),
		products:    products,
	}
}

// Get returns the position at key, if open.
func (pl *PositionLedger) Get(key PositionKey) (Position, bool) {
	return pl.positions.Get(key)
}

// GetByID resolves a position by its stable ID.
func (pl *PositionLedger) GetByID(id uuid.UUID) (Position, bool) {
	key, ok := pl.ids.Get(id)
	if !ok {
		return Position{}, false
	}
	return pl.positions.Get(key)
}

// AccountPositions returns every open position of an account.
func (pl *PositionLedger) AccountPositions(account uuid.UUID) []Position {
	var out []Position
	pl.positions.Range(func(k PositionKey, p Position) bool {
		if k.Account == account {
			out = append(out, p)
		}
		return true
	})
	sortPositions(out)
	return out
}

// All returns every open position in a deterministic order.
func (pl *PositionLedger) All() []Position {
	out := pl.positions.Values(nil)
	sortPositions(out)
	return out
}

// TotalMargin is the collateral locked in all open positions.
func (pl *PositionLedger) TotalMargin() int64 {
	return pl.totalMargin.Get()
}

// Restore loads a persisted position and its contribution to the totals.
// Open interest is restored with the product itself.
func (pl *PositionLedger) Restore(p Position) {
	pl.positions.Put(nil, p.Key, p)
	pl.ids.Put(nil, p.ID, p.Key)
	pl.totalMargin.Set(nil, pl.totalMargin.Get()+p.Margin)
}

func (pl *PositionLedger) put(tx *store.Tx, p Position, marginDelta int64) {
	pl.positions.Put(tx, p.Key, p)
	pl.ids.Put(tx, p.ID, p.Key)
	pl.totalMargin.Set(tx, pl.totalMargin.Get()+marginDelta)
}

func (pl *PositionLedger) remove(tx *store.Tx, p Position) {
	pl.positions.Delete(tx, p.Key)
	pl.ids.Delete(tx, p.ID)
	pl.totalMargin.Set(tx, pl.totalMargin.Get()-p.Margin)
}

// OpenResult describes an open or increase.
type OpenResult struct {
	Position  Position
	Product   Product
	ExecPrice int64
	Notional  int64
	Fee       int64
	Increased bool
}

// Open creates or increases the position at key. The position's total margin
// may not exceed Params.MaxPositionMargin.
func (pl *PositionLedger) Open(tx *store.Tx, key PositionKey, margin, leverage int64, m Market) (OpenResult, error) {
	product, err := pl.products.MustGet(key.ProductID)
	if err != nil {
		return OpenResult{}, err
	}
	if !product.IsActive {
		return OpenResult{}, fmt.Errorf("product %d: %w", product.ID, errs.ErrProductInactive)
	}
	if margin <= 0 {
		return OpenResult{}, fmt.Errorf("margin %d: %w", margin, errs.ErrInvalidAmount)
	}
	if margin < m.Params.MinMargin {
		return OpenResult{}, fmt.Errorf("margin %d < %d: %w", margin, m.Params.MinMargin, errs.ErrMarginTooSmall)
	}
	if leverage < fpmath.Scale || leverage > product.MaxLeverage {
		return OpenResult{}, fmt.Errorf("leverage %d not in [%d, %d]: %w",
			leverage, fpmath.Scale, product.MaxLeverage, errs.ErrLeverageOutOfRange)
	}

	existing, increased := pl.positions.Get(key)
	if total := existing.Margin + margin; total > m.Params.MaxPositionMargin || total < margin {
		return OpenResult{}, fmt.Errorf("position margin %d + %d > %d: %w",
			existing.Margin, margin, m.Params.MaxPositionMargin, errs.ErrMarginTooLarge)
	}

	notional, err := fpmath.ComputeNotional(margin, leverage)
	if err != nil {
		return OpenResult{}, err
	}
	execPrice, err := fpmath.CalculatePrice(fpmath.PriceInput{
		IsLong:            key.IsLong,
		OpenInterestLong:  product.OpenInterestLong,
		OpenInterestShort: product.OpenInterestShort,
		MaxExposure:       m.MaxExposure,
		Reserve:           product.Reserve,
		OraclePrice:       m.OraclePrice,
		Amount:            notional,
		MaxShift:          m.Params.MaxShift,
		ShiftDivider:      m.Params.ShiftDivider,
	})
	if err != nil {
		return OpenResult{}, fmt.Errorf("price product %d: %w", product.ID, err)
	}
	fee, err := fpmath.ComputeFee(notional, m.FeeBps)
	if err != nil {
		return OpenResult{}, err
	}

	pos := existing
	var oldNotional int64
	if increased {
		oldNotional = existing.Notional()
		if oldNotional > math.MaxInt64-notional {
			return OpenResult{}, fmt.Errorf("merged notional %d + %d: %w", oldNotional, notional, errs.ErrOverflow)
		}
		pos.Price = fpmath.ComputeAvgEntryPrice(oldNotional, existing.Price, notional, execPrice)
		pos.Margin = existing.Margin + margin
		if pos.Leverage, err = fpmath.ComputeLeverage(oldNotional+notional, pos.Margin); err != nil {
			return OpenResult{}, err
		}
	} else {
		pos = Position{
			Key:      key,
			ID:       key.ID(),
			Margin:   margin,
			Leverage: leverage,
			Price:    execPrice,
		}
	}
	pos.Timestamp = m.Now

	// Open interest tracks the sum of position notionals exactly, so the
	// delta is taken from the records rather than the trade size.
	product, err = pl.products.adjustOpenInterest(tx, key.ProductID, key.IsLong, pos.Notional()-oldNotional)
	if err != nil {
		return OpenResult{}, err
	}
	if err := checkExposure(product, key.IsLong, m); err != nil {
		return OpenResult{}, err
	}

	pl.put(tx, pos, margin)

	return OpenResult{
		Position:  pos,
		Product:   product,
		ExecPrice: execPrice,
		Notional:  notional,
		Fee:       fee,
		Increased: increased,
	}, nil
}

// checkExposure rejects an open that leaves its side leading the other by
// more than maxExposure * MaxExposureMultiplier.
func checkExposure(p Product, isLong bool, m Market) error {
	lead := p.OpenInterestLong - p.OpenInterestShort
	if !isLong {
		lead = -lead
	}
	if lead <= 0 {
		return nil
	}
	limit, err := fpmath.MulDiv(m.MaxExposure, m.Params.MaxExposureMultiplier, 1, fpmath.RoundDown)
	if err != nil {
		// a limit beyond int64 cannot be exceeded
		return nil
	}
	if lead > limit {
		return fmt.Errorf("product %d: imbalance %d exceeds %d: %w", p.ID, lead, limit, errs.ErrExposureLimit)
	}
	return nil
}

// Settlement splits a closed margin between fee, funding, vault and trader.
type Settlement struct {
	FeeCharged     int64
	FundingCharged int64
	Payout         int64 // returned to the trader
	VaultDelta     int64 // closeMargin - fee - payout; negative when the trader won
}

// Settle applies the fee first, then funding, to the trader's gross return
// (margin plus pnl, floored at zero).
func Settle(closeMargin, pnl, fee, funding int64) Settlement {
	gross := closeMargin + pnl
	if gross < 0 {
		gross = 0
	}
	s := Settlement{FeeCharged: min(fee, gross)}
	rest := gross - s.FeeCharged
	s.FundingCharged = min(funding, rest)
	s.Payout = rest - s.FundingCharged
	s.VaultDelta = closeMargin - s.FeeCharged - s.Payout
	return s
}

// CloseResult describes a partial or full close.
type CloseResult struct {
	Before     Position
	After      Position // zero value when Removed
	Removed    bool
	Product    Product
	ExecPrice  int64
	Notional   int64
	Fee        int64
	Funding    int64
	PnL        int64
	Settlement Settlement
}

// Close reduces the position at key by closeMargin. Funding and the profit
// guard are measured from the position's timestamp, which a partial close
// resets to now.
func (pl *PositionLedger) Close(tx *store.Tx, key PositionKey, closeMargin int64, m Market) (CloseResult, error) {
	pos, ok := pl.positions.Get(key)
	if !ok {
		return CloseResult{}, fmt.Errorf("no position for account %s product %d: %w",
			key.Account, key.ProductID, errs.ErrInsufficientPosition)
	}
	if closeMargin <= 0 {
		return CloseResult{}, fmt.Errorf("close margin %d: %w", closeMargin, errs.ErrInvalidAmount)
	}
	if closeMargin > pos.Margin {
		return CloseResult{}, fmt.Errorf("close margin %d > position margin %d: %w",
			closeMargin, pos.Margin, errs.ErrInsufficientPosition)
	}
	product, err := pl.products.MustGet(key.ProductID)
	if err != nil {
		return CloseResult{}, err
	}

	notional, err := fpmath.ComputeNotional(closeMargin, pos.Leverage)
	if err != nil {
		return CloseResult{}, err
	}

	// Closing a long sells into short-side pricing and vice versa.
	execPrice, err := fpmath.CalculatePrice(fpmath.PriceInput{
		IsLong:            !key.IsLong,
		OpenInterestLong:  product.OpenInterestLong,
		OpenInterestShort: product.OpenInterestShort,
		MaxExposure:       m.MaxExposure,
		Reserve:           product.Reserve,
		OraclePrice:       m.OraclePrice,
		Amount:            notional,
		MaxShift:          m.Params.MaxShift,
		ShiftDivider:      m.Params.ShiftDivider,
	})
	if err != nil {
		return CloseResult{}, fmt.Errorf("price product %d: %w", product.ID, err)
	}

	funding, err := fpmath.ComputeFundingFee(closeMargin, pos.Leverage, product.AnnualInterestBps, m.Now-pos.Timestamp)
	if err != nil {
		return CloseResult{}, err
	}
	fee, err := fpmath.ComputeFee(notional, m.FeeBps)
	if err != nil {
		return CloseResult{}, err
	}
	pnl, err := fpmath.ComputePnL(key.IsLong, pos.Price, execPrice, notional)
	if err != nil {
		return CloseResult{}, err
	}
	if pnl > 0 && withinProfitGuard(pos, product, execPrice, m.Now) {
		pnl = 0
	}

	result := CloseResult{
		Before:     pos,
		ExecPrice:  execPrice,
		Notional:   notional,
		Fee:        fee,
		Funding:    funding,
		PnL:        pnl,
		Settlement: Settle(closeMargin, pnl, fee, funding),
	}

	oldNotional := pos.Notional()
	var newNotional int64
	if closeMargin == pos.Margin {
		pl.remove(tx, pos)
		result.Removed = true
	} else {
		after := pos
		after.Margin -= closeMargin
		after.Timestamp = m.Now
		pl.put(tx, after, -closeMargin)
		result.After = after
		newNotional = after.Notional()
	}

	result.Product, err = pl.products.adjustOpenInterest(tx, key.ProductID, key.IsLong, newNotional-oldNotional)
	if err != nil {
		return CloseResult{}, err
	}
	return result, nil
}

// withinProfitGuard reports whether a gain is too small and too fast to be
// paid: held for less than MinProfitTime and moved less than
// MinPriceChangeBps from entry.
func withinProfitGuard(pos Position, product Product, exitPrice, now int64) bool {
	if now-pos.Timestamp >= product.MinProfitTime {
		return false
	}
	move := exitPrice - pos.Price
	if move < 0 {
		move = -move
	}
	// move / entry < minPriceChangeBps / 1e4
	lhs := fpmath.MultiplyInt128(move, fpmath.BpsScale)
	rhs := fpmath.MultiplyInt128(pos.Price, product.MinPriceChangeBps)
	return lhs.Cmp(rhs) < 0
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if c := bytes.Compare(a.Key.Account[:], b.Key.Account[:]); c != 0 {
			return c < 0
		}
		if a.Key.ProductID != b.Key.ProductID {
			return a.Key.ProductID < b.Key.ProductID
		}
		return a.Key.IsLong && !b.Key.IsLong
	})
}
