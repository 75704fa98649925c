package vault_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/errs"
	"PerpVault/internal/store"
	"PerpVault/internal/vault"
)

func newAccounting() *vault.Accounting {
	return vault.NewAccounting(vault.Vault{
		Asset:         "USDC",
		Cap:           1_000_000e8,
		StakingPeriod: 3600,
	})
}

func TestStake_FirstStakerGetsOneToOne(t *testing.T) {
	acc := newAccounting()
	lp := uuid.New()

	res, err := acc.Stake(nil, lp, 100_000e8, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000e8), res.Shares)
	assert.Equal(t, int64(100_000e8), acc.Vault().Balance)
	assert.Equal(t, int64(100_000e8), acc.GetShare(lp))
}

func TestStake_ProportionalAfterGains(t *testing.T) {
	acc := newAccounting()
	first, second := uuid.New(), uuid.New()

	_, err := acc.Stake(nil, first, 1000e8, 0)
	require.NoError(t, err)
	acc.ReceiveFee(nil, 1000e8) // share value doubles

	res, err := acc.Stake(nil, second, 1000e8, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(500e8), res.Shares)
	assert.Equal(t, int64(2000e8), acc.GetShare(first))
	assert.Equal(t, int64(1000e8), acc.GetShare(second))
}

func TestStake_CapExceeded(t *testing.T) {
	acc := newAccounting()
	_, err := acc.Stake(nil, uuid.New(), 1_000_001e8, 0)
	assert.ErrorIs(t, err, errs.ErrVaultCapExceeded)
	assert.Equal(t, errs.KindInsufficientLiquidity, errs.KindOf(err))
}

func TestStake_InsolventVaultRejected(t *testing.T) {
	acc := newAccounting()
	_, err := acc.Stake(nil, uuid.New(), 1000e8, 0)
	require.NoError(t, err)

	shortfall := acc.ApplyTraderPnL(nil, -1500e8)
	assert.Equal(t, int64(500e8), shortfall)
	assert.Zero(t, acc.Vault().Balance)

	_, err = acc.Stake(nil, uuid.New(), 1000e8, 0)
	assert.ErrorIs(t, err, errs.ErrVaultInsolvent)
}

func TestRedeem_LockAndShares(t *testing.T) {
	acc := newAccounting()
	lp := uuid.New()
	_, err := acc.Stake(nil, lp, 1000e8, 100)
	require.NoError(t, err)

	_, err = acc.Redeem(nil, lp, 500e8, 100+3599)
	assert.ErrorIs(t, err, errs.ErrStakeLocked)
	assert.Equal(t, errs.KindState, errs.KindOf(err))

	_, err = acc.Redeem(nil, lp, 1001e8, 100+3600)
	assert.ErrorIs(t, err, errs.ErrInsufficientShares)

	_, err = acc.Redeem(nil, uuid.New(), 1, 100+3600)
	assert.ErrorIs(t, err, errs.ErrInsufficientShares)
}

func TestRedeem_HalfSharesPaysHalfBalance(t *testing.T) {
	acc := newAccounting()
	lp := uuid.New()
	_, err := acc.Stake(nil, lp, 1000e8, 0)
	require.NoError(t, err)
	acc.ApplyTraderPnL(nil, 333e8) // trader losses

	before := acc.Vault()
	res, err := acc.Redeem(nil, lp, 500e8, 3600)
	require.NoError(t, err)

	assert.Equal(t, before.Balance/2, res.Amount)
	assert.Equal(t, int64(500e8), res.Stake.Shares)
	assert.False(t, res.Removed)
	assert.Equal(t, vault.ShareValue(before), vault.ShareValue(res.Vault))
	assert.True(t, vault.ShareValueNotDecreased(before, res.Vault))

	res, err = acc.Redeem(nil, lp, 500e8, 3600)
	require.NoError(t, err)
	assert.True(t, res.Removed)
	_, ok := acc.GetStake(lp)
	assert.False(t, ok)
	assert.Zero(t, acc.Vault().Balance)
	assert.Zero(t, acc.Vault().TotalShares)
}

func TestRedeem_RoundsInVaultFavor(t *testing.T) {
	acc := newAccounting()
	a, b := uuid.New(), uuid.New()
	_, err := acc.Stake(nil, a, 3, 0)
	require.NoError(t, err)
	acc.ReceiveFee(nil, 1) // balance 4, shares 3
	_, err = acc.Stake(nil, b, 4, 0)
	require.NoError(t, err) // shares = 4 * 3 / 4 = 3

	before := acc.Vault()
	res, err := acc.Redeem(nil, a, 1, 3600)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Amount) // floor(1 * 8 / 6)
	assert.True(t, vault.ShareValueNotDecreased(before, res.Vault))
}

func TestApplyTraderPnL(t *testing.T) {
	acc := newAccounting()
	_, err := acc.Stake(nil, uuid.New(), 1000e8, 0)
	require.NoError(t, err)

	assert.Zero(t, acc.ApplyTraderPnL(nil, 200e8))
	assert.Equal(t, int64(1200e8), acc.Vault().Balance)

	assert.Zero(t, acc.ApplyTraderPnL(nil, -1200e8))
	assert.Zero(t, acc.Vault().Balance)
}

func TestReceiveFee_TracksPendingReward(t *testing.T) {
	acc := newAccounting()
	acc.ReceiveFee(nil, 5e8)
	acc.ReceiveFee(nil, 5e8)
	assert.Equal(t, int64(10e8), acc.PendingReward())
	assert.Equal(t, int64(10e8), acc.Vault().Balance)

	assert.Equal(t, int64(10e8), acc.ClaimPendingReward(nil))
	assert.Zero(t, acc.PendingReward())
	assert.Equal(t, int64(10e8), acc.Vault().Balance)
}

func TestAccounting_Rollback(t *testing.T) {
	acc := newAccounting()
	lp := uuid.New()

	tx := store.Begin()
	_, err := acc.Stake(tx, lp, 1000e8, 0)
	require.NoError(t, err)
	acc.ReceiveFee(tx, 10e8)
	tx.Rollback()

	assert.Zero(t, acc.Vault().Balance)
	assert.Zero(t, acc.Vault().TotalShares)
	assert.Zero(t, acc.PendingReward())
	_, ok := acc.GetStake(lp)
	assert.False(t, ok)
}

func TestConfigure(t *testing.T) {
	acc := newAccounting()
	v, err := acc.Configure(nil, 5e8, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(5e8), v.Cap)
	assert.Equal(t, int64(60), v.StakingPeriod)

	_, err = acc.Configure(nil, 0, 60)
	assert.ErrorIs(t, err, errs.ErrInvalidVaultCfg)
}
