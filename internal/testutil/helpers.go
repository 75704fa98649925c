package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"PerpVault/internal/errs"
)

// TestPostgresDSN returns the Postgres DSN for integration tests.
func TestPostgresDSN() string {
	return os.Getenv("PERP_TEST_DB_URL")
}

// MigrationsDir returns the absolute path of the repository's migrations.
func MigrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// SetupTestDB opens the test database, or skips the test when
// PERP_TEST_DB_URL is unset or unreachable. The returned cleanup truncates
// every table and closes the connection.
func SetupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dsn := TestPostgresDSN()
	if dsn == "" {
		t.Skip("skipping postgres test (set PERP_TEST_DB_URL to run)")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("test postgres not available: %v", err)
	}

	cleanup := func() {
		tables := []string{
			"event_log.events",
			"event_log.journal",
			"perp_state.products",
			"perp_state.positions",
			"perp_state.vaults",
			"perp_state.stakes",
			"perp_state.balances",
			"perp_state.account_managers",
			"perp_state.liquidators",
			"perp_state.exchange_meta",
			"projections.position_history",
			"projections.watermark",
		}
		for _, table := range tables {
			db.Exec(fmt.Sprintf("TRUNCATE %s CASCADE", table))
		}
		db.Close()
	}

	return db, cleanup
}

// FakeOracle is an in-memory price source for tests.
type FakeOracle struct {
	mu     sync.Mutex
	prices map[string]int64
	err    error
}

func NewFakeOracle() *FakeOracle {
	return &FakeOracle{prices: make(map[string]int64)}
}

func (o *FakeOracle) Set(feed string, price int64) {
	o.mu.Lock()
	o.prices[feed] = price
	o.mu.Unlock()
}

// Fail makes every read return err until Fail(nil).
func (o *FakeOracle) Fail(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *FakeOracle) LatestPrice(feed string) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return 0, o.err
	}
	price, ok := o.prices[feed]
	if !ok {
		return 0, fmt.Errorf("feed %s: %w", feed, errs.ErrOracle)
	}
	return price, nil
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// RecordingNotifier captures reward notifications.
type RecordingNotifier struct {
	mu      sync.Mutex
	Amounts []int64
	Err     error
}

func (n *RecordingNotifier) Notify(amount int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	n.Amounts = append(n.Amounts, amount)
	return nil
}

func (n *RecordingNotifier) Total() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	var total int64
	for _, a := range n.Amounts {
		total += a
	}
	return total
}
