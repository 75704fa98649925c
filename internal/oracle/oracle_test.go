package oracle_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/errs"
	"PerpVault/internal/oracle"
)

func TestPriceStore_MissingFeed(t *testing.T) {
	ps := oracle.NewPriceStore(0, nil)
	_, err := ps.LatestPrice("ETH-USD")
	assert.ErrorIs(t, err, errs.ErrOracle)
	assert.Equal(t, errs.KindOracle, errs.KindOf(err))
}

func TestPriceStore_IgnoresStaleSequence(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ps := oracle.NewPriceStore(time.Minute, func() time.Time { return now })

	ok, err := ps.Update("ETH-USD", 3000e8, 2, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ps.Update("ETH-USD", 2900e8, 1, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = ps.Update("ETH-USD", 2900e8, 2, now)
	require.NoError(t, err)
	assert.False(t, ok)

	price, err := ps.LatestPrice("ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(3000e8), price)
}

func TestPriceStore_Staleness(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ps := oracle.NewPriceStore(time.Minute, func() time.Time { return now })

	_, err := ps.Update("ETH-USD", 3000e8, 1, now.Add(-2*time.Minute))
	require.NoError(t, err)

	_, err = ps.LatestPrice("ETH-USD")
	assert.ErrorIs(t, err, errs.ErrOracle)

	_, err = ps.Update("ETH-USD", 3010e8, 2, now)
	require.NoError(t, err)
	price, err := ps.LatestPrice("ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(3010e8), price)
}

func TestPriceStore_RejectsNonPositive(t *testing.T) {
	ps := oracle.NewPriceStore(0, nil)
	_, err := ps.Update("ETH-USD", 0, 1, time.Now())
	assert.ErrorIs(t, err, errs.ErrOracle)
	assert.Empty(t, ps.Snapshot())
}
