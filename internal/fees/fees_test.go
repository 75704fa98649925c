package fees_test

import (
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/errs"
	"PerpVault/internal/fees"
	"PerpVault/internal/store"
)

type recordingNotifier struct {
	amounts []int64
	err     error
}

func (r *recordingNotifier) Notify(amount int64) error {
	if r.err != nil {
		return r.err
	}
	r.amounts = append(r.amounts, amount)
	return nil
}

type vaultStub struct{ received int64 }

func (v *vaultStub) ReceiveFee(_ *store.Tx, amount int64) { v.received += amount }

func TestFeeSplit_Validate(t *testing.T) {
	require.NoError(t, fees.DefaultFeeSplit().Validate())

	err := fees.FeeSplit{ProtocolBps: 2000, StakingBps: 3000, VaultBps: 4000}.Validate()
	assert.ErrorIs(t, err, errs.ErrInvalidFeeSplit)
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))

	err = fees.FeeSplit{ProtocolBps: -1, StakingBps: 5001, VaultBps: 5000}.Validate()
	assert.ErrorIs(t, err, errs.ErrInvalidFeeSplit)
}

func TestNewSplitter_FailsFastOnBadSplit(t *testing.T) {
	_, err := fees.NewSplitter(fees.FeeSplit{ProtocolBps: 10_000, StakingBps: 1}, nil, nil, &vaultStub{})
	assert.ErrorIs(t, err, errs.ErrInvalidFeeSplit)
}

func TestSplitter_Distribute(t *testing.T) {
	protocol, staking, vault := &recordingNotifier{}, &recordingNotifier{}, &vaultStub{}
	s, err := fees.NewSplitter(fees.DefaultFeeSplit(), protocol, staking, vault)
	require.NoError(t, err)

	shares, err := s.Distribute(nil, 100e8)
	require.NoError(t, err)
	assert.Equal(t, fees.Shares{Protocol: 20e8, Staking: 30e8, Vault: 50e8}, shares)

	assert.Equal(t, []int64{20e8}, protocol.amounts)
	assert.Equal(t, []int64{30e8}, staking.amounts)
	assert.Equal(t, int64(50e8), vault.received)
	assert.Equal(t, int64(20e8), s.PendingProtocol())
	assert.Equal(t, int64(30e8), s.PendingStaking())
}

func TestSplit_RemainderGoesToVault(t *testing.T) {
	shares := fees.DefaultFeeSplit().Split(7)
	assert.Equal(t, int64(1), shares.Protocol)
	assert.Equal(t, int64(2), shares.Staking)
	assert.Equal(t, int64(4), shares.Vault)
}

func TestSplitter_NotifierErrorRollsBack(t *testing.T) {
	protocol := &recordingNotifier{}
	staking := &recordingNotifier{err: errors.New("distributor down")}
	vault := &vaultStub{}
	s, err := fees.NewSplitter(fees.DefaultFeeSplit(), protocol, staking, vault)
	require.NoError(t, err)

	tx := store.Begin()
	_, err = s.Distribute(tx, 100e8)
	require.Error(t, err)
	tx.Rollback()

	assert.Zero(t, s.PendingProtocol())
	assert.Zero(t, s.PendingStaking())
	assert.Zero(t, vault.received)
}

func TestSplitter_Claim(t *testing.T) {
	s, err := fees.NewSplitter(fees.DefaultFeeSplit(), nil, nil, &vaultStub{})
	require.NoError(t, err)
	_, err = s.Distribute(nil, 10e8)
	require.NoError(t, err)

	assert.Equal(t, int64(2e8), s.ClaimProtocol(nil))
	assert.Equal(t, int64(3e8), s.ClaimStaking(nil))
	assert.Zero(t, s.PendingProtocol())
	assert.Zero(t, s.PendingStaking())
}

func TestSplitter_SetFeeSplit(t *testing.T) {
	s, err := fees.NewSplitter(fees.DefaultFeeSplit(), nil, nil, &vaultStub{})
	require.NoError(t, err)

	err = s.SetFeeSplit(nil, fees.FeeSplit{ProtocolBps: 1})
	assert.ErrorIs(t, err, errs.ErrInvalidFeeSplit)
	assert.Equal(t, fees.DefaultFeeSplit(), s.FeeSplit())

	require.NoError(t, s.SetFeeSplit(nil, fees.FeeSplit{VaultBps: 10_000}))
	shares, err := s.Distribute(nil, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), shares.Vault)
}

func TestTieredCalculator(t *testing.T) {
	calc, err := fees.NewTieredCalculator([]fees.Tier{
		{MinVolume: 1_000_000e8, DiscountBps: 5000},
		{MinVolume: 100_000e8, DiscountBps: 2000},
	})
	require.NoError(t, err)
	trader := uuid.New()

	assert.Equal(t, int64(10), calc.FeeBps(trader, 1, 10))

	calc.RecordVolume(trader, 100_000e8)
	assert.Equal(t, int64(8), calc.FeeBps(trader, 1, 10))

	calc.RecordVolume(trader, 900_000e8)
	assert.Equal(t, int64(5), calc.FeeBps(trader, 1, 10))
	assert.Equal(t, int64(1_000_000e8), calc.Volume(trader))

	_, err = fees.NewTieredCalculator([]fees.Tier{{DiscountBps: 10_001}})
	assert.Error(t, err)
}

func TestTieredCalculator_Restore(t *testing.T) {
	calc, err := fees.NewTieredCalculator([]fees.Tier{{MinVolume: 100_000e8, DiscountBps: 2000}})
	require.NoError(t, err)
	whale, minnow := uuid.New(), uuid.New()

	calc.RecordVolume(minnow, 500_000e8)
	calc.Restore(map[uuid.UUID]int64{whale: 150_000e8, minnow: 0})

	assert.Equal(t, int64(150_000e8), calc.Volume(whale))
	assert.Zero(t, calc.Volume(minnow))
	assert.Equal(t, int64(8), calc.FeeBps(whale, 1, 10))
	assert.Equal(t, int64(10), calc.FeeBps(minnow, 1, 10))

	calc.RecordVolume(whale, math.MaxInt64)
	assert.Equal(t, int64(math.MaxInt64), calc.Volume(whale))
	calc.RecordVolume(whale, -1)
	assert.Equal(t, int64(math.MaxInt64), calc.Volume(whale))
}

func TestFlatCalculator(t *testing.T) {
	var calc fees.Calculator = fees.FlatCalculator{}
	calc.RecordVolume(uuid.New(), 1)
	assert.Equal(t, int64(10), calc.FeeBps(uuid.New(), 1, 10))
}
