package persistence_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/core"
	"PerpVault/internal/fees"
	"PerpVault/internal/persistence"
	"PerpVault/internal/state"
	"PerpVault/internal/testutil"
	"PerpVault/migrations"
)

func newExchange(t *testing.T, oracle *testutil.FakeOracle, clock *testutil.Clock, owner uuid.UUID, out chan core.Output) *core.Exchange {
	t.Helper()
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
	return x
}

func TestMigrator_EmbeddedMatchesDirectory(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	m := persistence.NewMigrator(db, migrations.FS, zerolog.Nop())
	_, err := m.Up(ctx)
	require.NoError(t, err)

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The on-disk directory carries the same files.
	onDisk := persistence.NewMigrator(db, os.DirFS(testutil.MigrationsDir()), zerolog.Nop())
	pending, err = onDisk.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWorker_PersistAndRestore(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := persistence.NewMigrator(db, migrations.FS, zerolog.Nop()).Up(ctx)
	require.NoError(t, err)

	oracle := testutil.NewFakeOracle()
	oracle.Set("ETH-USD", 3000e8)
	clock := testutil.NewClock(time.Unix(1_700_000_000, 0))
	owner, lp, trader := uuid.New(), uuid.New(), uuid.New()

	out := make(chan core.Output, 256)
	x := newExchange(t, oracle, clock, owner, out)

	require.NoError(t, x.AddProduct(owner, state.Product{
		ID: 1, Feed: "ETH-USD", MaxLeverage: 50e8, FeeBps: 10, LiquidationThresholdBps: 8000,
		MinPriceChangeBps: 150, MinProfitTime: 43_200, AnnualInterestBps: 1000, Weight: 10,
		Reserve: 50_000_000e8, IsActive: true,
	}))
	require.NoError(t, x.Deposit(owner, lp, 1_000_000e8))
	_, err = x.Stake(lp, 1_000_000e8)
	require.NoError(t, err)
	require.NoError(t, x.Deposit(owner, trader, 10_000e8))
	require.NoError(t, x.SetAccountManager(trader, owner, true))
	_, err = x.OpenPosition(trader, trader, 1, 1000e8, 10e8, true)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = x.ClosePosition(trader, trader, 1, 400e8, true)
	require.NoError(t, err)
	close(out)

	w := persistence.NewPersistenceWorker(db, out, 4, 50*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, w.Run(ctx))

	loader := persistence.NewStateLoader(db)
	latest, err := loader.LatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, x.Sequence(), latest)

	events, err := loader.LoadEventsFrom(ctx, 1, 100)
	require.NoError(t, err)
	require.Len(t, events, int(latest))
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].StateHash, events[i].PrevHash, "hash chain broken at %d", events[i].Sequence)
	}

	loaded, err := loader.Load(ctx, "USDC")
	require.NoError(t, err)
	require.NotNil(t, loaded)

	want := x.Snapshot()
	assert.Equal(t, want.Meta, loaded.Meta)
	assert.Equal(t, want.Vault, loaded.Vault)
	assert.ElementsMatch(t, want.Positions, loaded.Positions)
	assert.ElementsMatch(t, want.Stakes, loaded.Stakes)
	assert.ElementsMatch(t, want.Managers, loaded.Managers)
	assert.Equal(t, want.Balances, loaded.Balances)

	volumes, err := loader.LoadTradedVolume(ctx)
	require.NoError(t, err)
	// open 1000 at 10x, then close 400 at 10x
	assert.Equal(t, map[uuid.UUID]int64{trader: 14_000e8}, volumes)

	restored := newExchange(t, oracle, clock, owner, make(chan core.Output, 16))
	require.NoError(t, restored.Restore(loaded))
	assert.Equal(t, x.StateHash(), restored.StateHash())
	assert.Equal(t, x.GetCollateral(trader), restored.GetCollateral(trader))

	// The restored exchange continues the sequence.
	require.NoError(t, restored.Deposit(owner, trader, 1e8))
	assert.Equal(t, latest+1, restored.Sequence())
}

func TestStateLoader_EmptyDatabase(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := persistence.NewMigrator(db, migrations.FS, zerolog.Nop()).Up(ctx)
	require.NoError(t, err)

	loader := persistence.NewStateLoader(db)
	s, err := loader.Load(ctx, "USDC")
	require.NoError(t, err)
	assert.Nil(t, s)

	seq, err := loader.LatestSequence(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestPostgresRequestLookup(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	_, err := persistence.NewMigrator(db, migrations.FS, zerolog.Nop()).Up(ctx)
	require.NoError(t, err)

	oracle := testutil.NewFakeOracle()
	oracle.Set("ETH-USD", 3000e8)
	owner := uuid.New()
	out := make(chan core.Output, 16)
	x := newExchange(t, oracle, testutil.NewClock(time.Unix(1_700_000_000, 0)), owner, out)

	// Keeper commands are the only operations carrying a request ID, and a
	// rejected command writes nothing, so rows are inserted directly.
	writer := &persistence.EventLogWriter{}
	require.NoError(t, x.Deposit(owner, owner, 1e8))
	close(out)
	var rows []persistence.EventRow
	for o := range out {
		row, _ := persistence.ToRows(o)
		rid := "keeper-req-1"
		row.RequestID = &rid
		rows = append(rows, row)
	}
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, writer.WriteEventBatch(ctx, tx, rows))
	require.NoError(t, tx.Commit())

	lookup := persistence.NewPostgresRequestLookup(db)
	dup, err := lookup.IsDuplicate("keeper", "keeper-req-1")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = lookup.IsDuplicate("keeper", "keeper-req-2")
	require.NoError(t, err)
	assert.False(t, dup)

	ids, err := lookup.RecentRequestIDs(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"keeper-req-1"}, ids)
}
