package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/core"
	"PerpVault/internal/fees"
	"PerpVault/internal/persistence"
	"PerpVault/internal/projection"
	"PerpVault/internal/query"
	"PerpVault/internal/state"
	"PerpVault/internal/testutil"
	"PerpVault/migrations"
)

type fixture struct {
	svc      *query.Service
	x        *core.Exchange
	trader   uuid.UUID
	manager  uuid.UUID
	position uuid.UUID
}

func setup(t *testing.T) (*fixture, context.Context) {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	ctx := context.Background()

	_, err := persistence.NewMigrator(db, migrations.FS, zerolog.Nop()).Up(ctx)
	require.NoError(t, err)

	oracle := testutil.NewFakeOracle()
	oracle.Set("ETH-USD", 3000e8)
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	owner, lp, trader, manager := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	out := make(chan core.Output, 256)
	x, err := core.NewExchange(core.Config{
		Asset:         "USDC",
		Owner:         owner,
		VaultCap:      10_000_000e8,
		StakingPeriod: 3600,
		Parameters:    state.DefaultParameters(),
		FeeSplit:      fees.DefaultFeeSplit(),
	}, core.Deps{
		Oracle:           oracle,
		ProtocolNotifier: &testutil.RecordingNotifier{},
		StakingNotifier:  &testutil.RecordingNotifier{},
		VaultNotifier:    &testutil.RecordingNotifier{},
		Clock:            clock.Now,
		Logger:           zerolog.Nop(),
		PersistChan:      out,
	})
	require.NoError(t, err)

	require.NoError(t, x.AddProduct(owner, state.Product{
		ID: 1, Feed: "ETH-USD", MaxLeverage: 50e8, FeeBps: 10, LiquidationThresholdBps: 8000,
		MinPriceChangeBps: 150, MinProfitTime: 43_200, AnnualInterestBps: 1000, Weight: 10,
		Reserve: 50_000_000e8, IsActive: true,
	}))
	require.NoError(t, x.Deposit(owner, lp, 1_000_000e8))
	_, err = x.Stake(lp, 1_000_000e8)
	require.NoError(t, err)
	require.NoError(t, x.Deposit(owner, trader, 10_000e8))
	require.NoError(t, x.SetAccountManager(trader, manager, true))
	pos, err := x.OpenPosition(trader, trader, 1, 1000e8, 10e8, true)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = x.ClosePosition(manager, trader, 1, 400e8, true)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = x.ClosePosition(trader, trader, 1, 600e8, true)
	require.NoError(t, err)
	close(out)

	require.NoError(t, persistence.NewPersistenceWorker(db, out, 4, 10*time.Millisecond, nil, zerolog.Nop()).Run(ctx))
	_, err = projection.NewHistoryWorker(db, 1, time.Second, nil, zerolog.Nop()).CatchUp(ctx)
	require.NoError(t, err)

	return &fixture{
		svc:      query.NewService(db),
		x:        x,
		trader:   trader,
		manager:  manager,
		position: pos.ID,
	}, ctx
}

func TestService_AccountHistory(t *testing.T) {
	f, ctx := setup(t)

	page, err := f.svc.AccountHistory(ctx, f.trader, 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Entries, 3)
	assert.Equal(t, f.x.Sequence(), page.AsOfSequence)
	assert.Zero(t, page.NextBefore)

	// Newest first.
	assert.Equal(t, "PositionClosed", page.Entries[0].EventType)
	assert.Nil(t, page.Entries[0].Counterparty)
	assert.Equal(t, "PositionClosed", page.Entries[1].EventType)
	require.NotNil(t, page.Entries[1].Counterparty)
	assert.Equal(t, f.manager, *page.Entries[1].Counterparty)
	assert.Equal(t, "PositionOpened", page.Entries[2].EventType)

	// Cursor pagination.
	first, err := f.svc.AccountHistory(ctx, f.trader, 2, 0)
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	require.NotZero(t, first.NextBefore)

	second, err := f.svc.AccountHistory(ctx, f.trader, 2, first.NextBefore)
	require.NoError(t, err)
	require.Len(t, second.Entries, 1)
	assert.Equal(t, "PositionOpened", second.Entries[0].EventType)

	other, err := f.svc.AccountHistory(ctx, uuid.New(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, other.Entries)
}

func TestService_PositionHistory(t *testing.T) {
	f, ctx := setup(t)

	entries, err := f.svc.PositionHistory(ctx, f.position)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "PositionOpened", entries[0].EventType)
	assert.Equal(t, int64(1000e8), entries[0].Margin)
	assert.Equal(t, int64(400e8), entries[1].Margin)
	assert.Equal(t, int64(600e8), entries[2].Margin)
	for _, e := range entries {
		assert.Equal(t, uint64(1), e.ProductID)
		assert.True(t, e.IsLong)
	}
}

func TestService_JournalHistory(t *testing.T) {
	f, ctx := setup(t)

	entries, err := f.svc.JournalHistory(ctx, f.trader, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for i, e := range entries {
		if i > 0 {
			assert.LessOrEqual(t, e.Sequence, entries[i-1].Sequence)
		}
		prefix := "user:" + f.trader.String() + ":"
		touches := len(e.DebitAccount) > len(prefix) && e.DebitAccount[:len(prefix)] == prefix ||
			len(e.CreditAccount) > len(prefix) && e.CreditAccount[:len(prefix)] == prefix
		assert.True(t, touches, "journal %s does not touch the account", e.JournalID)
		assert.Positive(t, e.Amount)
	}
}

func TestService_VerifyIntegrity(t *testing.T) {
	f, ctx := setup(t)

	report, err := f.svc.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "%+v", report)
	assert.Equal(t, f.x.Sequence(), report.LastSequence)
	assert.Empty(t, report.SequenceGaps)
	assert.Empty(t, report.HashChainBreaks)
	assert.Empty(t, report.UnbalancedAssets)
	assert.True(t, report.StateHashMatches)
}
