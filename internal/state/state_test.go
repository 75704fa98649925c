package state_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/errs"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/state"
	"PerpVault/internal/store"
)

const ethProduct = uint64(1)

func ethUSD() state.Product {
	return state.Product{
		ID:                      ethProduct,
		Feed:                    "ETH-USD",
		MaxLeverage:             50e8,
		FeeBps:                  10,
		LiquidationThresholdBps: 8000,
		MinPriceChangeBps:       150,
		MinProfitTime:           43_200,
		Weight:                  10,
		Reserve:                 50_000_000e8,
		IsActive:                true,
	}
}

func newLedger(t *testing.T) (*state.ProductRegistry, *state.PositionLedger) {
	t.Helper()
	products := state.NewProductRegistry()
	require.NoError(t, products.Add(nil, ethUSD()))
	return products, state.NewPositionLedger(products)
}

func market(price, now int64) state.Market {
	return state.Market{
		OraclePrice: price,
		MaxExposure: 100_000e8,
		FeeBps:      10,
		Params:      state.DefaultParameters(),
		Now:         now,
	}
}

func TestPositionKey_IDIsStable(t *testing.T) {
	account := uuid.New()
	long := state.PositionKey{Account: account, ProductID: 1, IsLong: true}
	short := state.PositionKey{Account: account, ProductID: 1, IsLong: false}

	assert.Equal(t, long.ID(), long.ID())
	assert.NotEqual(t, long.ID(), short.ID())
}

func TestValidateProduct(t *testing.T) {
	p := ethUSD()
	require.NoError(t, state.ValidateProduct(p))

	p.MaxLeverage = 0
	err := state.ValidateProduct(p)
	assert.ErrorIs(t, err, errs.ErrInvalidProductCfg)
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))

	p = ethUSD()
	p.Reserve = 0
	assert.Error(t, state.ValidateProduct(p))
}

func TestProductRegistry_UpdateKeepsOpenInterest(t *testing.T) {
	products, ledger := newLedger(t)
	key := state.PositionKey{Account: uuid.New(), ProductID: ethProduct, IsLong: true}
	_, err := ledger.Open(nil, key, 1000e8, 10e8, market(3000e8, 0))
	require.NoError(t, err)

	update := ethUSD()
	update.FeeBps = 20
	updated, err := products.Update(nil, update)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000e8), updated.OpenInterestLong)
	assert.Equal(t, int64(20), updated.FeeBps)
}

func TestPositionLedger_OpenRejectsBadInput(t *testing.T) {
	_, ledger := newLedger(t)
	key := state.PositionKey{Account: uuid.New(), ProductID: ethProduct, IsLong: true}

	_, err := ledger.Open(nil, key, 1000e8, 51e8, market(3000e8, 0))
	assert.ErrorIs(t, err, errs.ErrLeverageOutOfRange)

	_, err = ledger.Open(nil, key, 1000e8, 5e7, market(3000e8, 0))
	assert.ErrorIs(t, err, errs.ErrLeverageOutOfRange)

	_, err = ledger.Open(nil, key, 0, 10e8, market(3000e8, 0))
	assert.ErrorIs(t, err, errs.ErrInvalidAmount)

	bad := key
	bad.ProductID = 99
	_, err = ledger.Open(nil, bad, 1000e8, 10e8, market(3000e8, 0))
	assert.ErrorIs(t, err, errs.ErrInvalidProduct)

	m := market(3000e8, 0)
	m.Params.MinMargin = 2000e8
	_, err = ledger.Open(nil, key, 1000e8, 10e8, m)
	assert.ErrorIs(t, err, errs.ErrMarginTooSmall)
}

func TestPositionLedger_OpenCapsPositionMargin(t *testing.T) {
	products, ledger := newLedger(t)
	key := state.PositionKey{Account: uuid.New(), ProductID: ethProduct, IsLong: true}

	m := market(3000e8, 0)
	m.Params.MaxPositionMargin = 1500e8
	_, err := ledger.Open(nil, key, 1501e8, 2e8, m)
	assert.ErrorIs(t, err, errs.ErrMarginTooLarge)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = ledger.Open(nil, key, 1000e8, 2e8, m)
	require.NoError(t, err)

	// the cap applies to the merged position
	_, err = ledger.Open(nil, key, 501e8, 2e8, m)
	assert.ErrorIs(t, err, errs.ErrMarginTooLarge)
	_, err = ledger.Open(nil, key, 500e8, 2e8, m)
	require.NoError(t, err)

	product, _ := products.Get(ethProduct)
	assert.Equal(t, int64(3000e8), product.OpenInterestLong)
}

func TestPositionLedger_OpenRejectsNotionalOverflow(t *testing.T) {
	products, ledger := newLedger(t)
	key := state.PositionKey{Account: uuid.New(), ProductID: ethProduct, IsLong: true}

	m := market(3000e8, 0)
	m.Params.MaxPositionMargin = 9e18
	_, err := ledger.Open(nil, key, 9e18, 50e8, m)
	assert.ErrorIs(t, err, errs.ErrOverflow)

	_, ok := ledger.Get(key)
	assert.False(t, ok)
	product, _ := products.Get(ethProduct)
	assert.Zero(t, product.OpenInterestLong)
}

func TestPositionLedger_MergeWeightsByNotional(t *testing.T) {
	products, ledger := newLedger(t)
	key := state.PositionKey{Account: uuid.New(), ProductID: ethProduct, IsLong: true}

	first, err := ledger.Open(nil, key, 1000e8, 10e8, market(3000e8, 0))
	require.NoError(t, err)
	assert.False(t, first.Increased)
	assert.Equal(t, int64(10e8), first.Fee)

	second, err := ledger.Open(nil, key, 1000e8, 20e8, market(3000e8, 10))
	require.NoError(t, err)
	assert.True(t, second.Increased)

	pos := second.Position
	assert.Equal(t, int64(2000e8), pos.Margin)
	assert.Equal(t, int64(15e8), pos.Leverage)
	assert.Equal(t, int64(10), pos.Timestamp)

	want := fpmath.ComputeAvgEntryPrice(10_000e8, first.ExecPrice, 20_000e8, second.ExecPrice)
	assert.Equal(t, want, pos.Price)
	assert.GreaterOrEqual(t, pos.Price, min(first.ExecPrice, second.ExecPrice))
	assert.LessOrEqual(t, pos.Price, max(first.ExecPrice, second.ExecPrice))

	product, _ := products.Get(ethProduct)
	assert.Equal(t, pos.Notional(), product.OpenInterestLong)
	assert.Equal(t, int64(2000e8), ledger.TotalMargin())
}

func TestPositionLedger_ExposureLimit(t *testing.T) {
	_, ledger := newLedger(t)
	key := state.PositionKey{Account: uuid.New(), ProductID: ethProduct, IsLong: true}

	m := market(3000e8, 0)
	m.MaxExposure = 1_000e8 // limit = 3_000e8 notional
	_, err := ledger.Open(nil, key, 1000e8, 10e8, m)
	assert.ErrorIs(t, err, errs.ErrExposureLimit)
	assert.Equal(t, errs.KindInsufficientLiquidity, errs.KindOf(err))
}

func TestPositionLedger_PartialAndFullClose(t *testing.T) {
	products, ledger := newLedger(t)
	key := state.PositionKey{Account: uuid.New(), ProductID: ethProduct, IsLong: true}
	_, err := ledger.Open(nil, key, 3000e8, 10e8, market(3000e8, 0))
	require.NoError(t, err)

	_, err = ledger.Close(nil, key, 3001e8, market(3000e8, 100))
	assert.ErrorIs(t, err, errs.ErrInsufficientPosition)

	partial, err := ledger.Close(nil, key, 1000e8, market(3000e8, 100))
	require.NoError(t, err)
	assert.False(t, partial.Removed)
	assert.Equal(t, int64(2000e8), partial.After.Margin)
	assert.Equal(t, partial.Before.Price, partial.After.Price)
	assert.Equal(t, int64(0), partial.Before.Timestamp)
	assert.Equal(t, int64(100), partial.After.Timestamp)

	product, _ := products.Get(ethProduct)
	assert.Equal(t, partial.After.Notional(), product.OpenInterestLong)

	full, err := ledger.Close(nil, key, 2000e8, market(3000e8, 200))
	require.NoError(t, err)
	assert.True(t, full.Removed)

	_, ok := ledger.Get(key)
	assert.False(t, ok)
	_, ok = ledger.GetByID(key.ID())
	assert.False(t, ok)

	product, _ = products.Get(ethProduct)
	assert.Zero(t, product.OpenInterestLong)
	assert.Zero(t, ledger.TotalMargin())
}

func TestPositionLedger_PartialCloseRestartsFundingClock(t *testing.T) {
	products, ledger := newLedger(t)
	product, _ := products.Get(ethProduct)
	product.AnnualInterestBps = 10_000
	_, err := products.Update(nil, product)
	require.NoError(t, err)

	key := state.PositionKey{Account: uuid.New(), ProductID: ethProduct, IsLong: true}
	_, err = ledger.Open(nil, key, 2000e8, 10e8, market(3000e8, 0))
	require.NoError(t, err)

	year := fpmath.SecondsPerYear
	first, err := ledger.Close(nil, key, 1000e8, market(3000e8, year))
	require.NoError(t, err)
	assert.Equal(t, int64(10_000e8), first.Funding)

	pos, ok := ledger.Get(key)
	require.True(t, ok)
	assert.Equal(t, year, pos.Timestamp)

	// the remainder accrues from the partial close, not from the open
	second, err := ledger.Close(nil, key, 1000e8, market(3000e8, year+year/2))
	require.NoError(t, err)
	assert.Equal(t, int64(5_000e8), second.Funding)
}

func TestPositionLedger_ProfitGuard(t *testing.T) {
	_, ledger := newLedger(t)
	key := state.PositionKey{Account: uuid.New(), ProductID: ethProduct, IsLong: true}
	opened, err := ledger.Open(nil, key, 1000e8, 10e8, market(3000e8, 0))
	require.NoError(t, err)

	// +1% after 500s: under both the 1.5% move and 12h hold thresholds
	closed, err := ledger.Close(nil, key, 1000e8, market(3030e8, 500))
	require.NoError(t, err)
	assert.Greater(t, closed.ExecPrice, opened.ExecPrice)
	assert.Zero(t, closed.PnL)
}

func TestPositionLedger_ProfitPaidAfterLargeMove(t *testing.T) {
	_, ledger := newLedger(t)
	key := state.PositionKey{Account: uuid.New(), ProductID: ethProduct, IsLong: true}
	_, err := ledger.Open(nil, key, 1000e8, 10e8, market(3000e8, 0))
	require.NoError(t, err)

	closed, err := ledger.Close(nil, key, 1000e8, market(3300e8, 500))
	require.NoError(t, err)
	assert.Positive(t, closed.PnL)
	assert.Equal(t, closed.PnL-closed.Settlement.FeeCharged, closed.Settlement.Payout-1000e8)
}

func TestPositionLedger_CloseRollsBack(t *testing.T) {
	products, ledger := newLedger(t)
	key := state.PositionKey{Account: uuid.New(), ProductID: ethProduct, IsLong: true}
	_, err := ledger.Open(nil, key, 1000e8, 10e8, market(3000e8, 0))
	require.NoError(t, err)

	tx := store.Begin()
	_, err = ledger.Close(tx, key, 1000e8, market(3000e8, 10))
	require.NoError(t, err)
	tx.Rollback()

	pos, ok := ledger.Get(key)
	require.True(t, ok)
	assert.Equal(t, int64(1000e8), pos.Margin)
	product, _ := products.Get(ethProduct)
	assert.Equal(t, int64(10_000e8), product.OpenInterestLong)
	assert.Equal(t, int64(1000e8), ledger.TotalMargin())
}

func TestSettle(t *testing.T) {
	// loss within margin
	s := state.Settle(1000, -300, 10, 5)
	assert.Equal(t, state.Settlement{FeeCharged: 10, FundingCharged: 5, Payout: 685, VaultDelta: 305}, s)

	// loss beyond margin: trader gets nothing, fee and funding unpaid
	s = state.Settle(1000, -1500, 10, 5)
	assert.Equal(t, state.Settlement{VaultDelta: 1000}, s)

	// profit: vault pays out
	s = state.Settle(1000, 200, 10, 5)
	assert.Equal(t, int64(1185), s.Payout)
	assert.Equal(t, int64(-195), s.VaultDelta)
}

func TestLiquidation_Gate(t *testing.T) {
	product := ethUSD()

	pos := state.Position{
		Key:      state.PositionKey{Account: uuid.New(), ProductID: ethProduct, IsLong: true},
		Margin:   1000e8,
		Leverage: 10e8,
		Price:    3000e8,
	}

	check := func(p state.Position, price int64) bool {
		t.Helper()
		ok, err := state.IsLiquidatable(p, product, price)
		require.NoError(t, err)
		return ok
	}

	// -7% at 10x = 70% loss: healthy
	assert.False(t, check(pos, 2790e8))
	// -8% at 10x = 80% loss: exactly at the threshold
	assert.True(t, check(pos, 2760e8))

	short := pos
	short.Key.IsLong = false
	assert.True(t, check(short, 3240e8))
	assert.False(t, check(short, 3000e8))

	_, err := state.IsLiquidatable(short, product, 9e18)
	assert.ErrorIs(t, err, errs.ErrOverflow)
}

func TestLiquidationEngine_Liquidate(t *testing.T) {
	products, ledger := newLedger(t)
	engine := state.NewLiquidationEngine(ledger, products)
	key := state.PositionKey{Account: uuid.New(), ProductID: ethProduct, IsLong: true}
	opened, err := ledger.Open(nil, key, 1000e8, 10e8, market(3000e8, 0))
	require.NoError(t, err)

	_, err = engine.Liquidate(nil, key, 2900e8, 5000, 100)
	assert.ErrorIs(t, err, errs.ErrNotLiquidatable)
	assert.Equal(t, errs.KindState, errs.KindOf(err))

	// entry carries the long's price impact, so 2761 stays above the gate
	ok, err := engine.Check(key, 2761e8)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = engine.Check(key, 2760e8)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := engine.Liquidate(nil, key, 2760e8, 5000, 100)
	require.NoError(t, err)

	// loss = 10_000e8 * (entry - 2760e8) / entry
	wantPnL, err := fpmath.ComputePnL(true, opened.ExecPrice, 2760e8, 10_000e8)
	require.NoError(t, err)
	assert.Equal(t, wantPnL, res.PnL)
	assert.Equal(t, (1000e8+wantPnL)/2, res.Bounty)
	assert.Equal(t, int64(1000e8)-res.Bounty, res.VaultDelta)

	_, exists := ledger.Get(key)
	assert.False(t, exists)
	assert.Zero(t, res.Product.OpenInterestLong)
	assert.Zero(t, res.Product.OpenInterestShort)

	_, err = engine.Liquidate(nil, key, 2760e8, 5000, 100)
	assert.ErrorIs(t, err, errs.ErrPositionNotFound)
}

func TestValidateParameters(t *testing.T) {
	require.NoError(t, state.ValidateParameters(state.DefaultParameters()))

	p := state.DefaultParameters()
	p.ShiftDivider = 0
	assert.ErrorIs(t, state.ValidateParameters(p), errs.ErrInvalidParameters)

	p = state.DefaultParameters()
	p.LiquidationBountyBps = 10_001
	assert.Error(t, state.ValidateParameters(p))

	p = state.DefaultParameters()
	p.MaxPositionMargin = 0
	assert.ErrorIs(t, state.ValidateParameters(p), errs.ErrInvalidParameters)

	p = state.DefaultParameters()
	p.MinMargin = p.MaxPositionMargin + 1
	assert.ErrorIs(t, state.ValidateParameters(p), errs.ErrInvalidParameters)
}

func TestMaxExposure(t *testing.T) {
	exposure := func(balance, multiplier, weight, total int64) int64 {
		t.Helper()
		v, err := state.MaxExposure(balance, multiplier, weight, total)
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, int64(100_000e8), exposure(100_000e8, 10_000, 10, 10))
	assert.Equal(t, int64(25_000e8), exposure(100_000e8, 10_000, 5, 20))
	assert.Zero(t, exposure(100_000e8, 10_000, 5, 0))

	_, err := state.MaxExposure(9e18, 20_000, 1, 1)
	assert.ErrorIs(t, err, errs.ErrOverflow)
}
