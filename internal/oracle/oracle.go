// Package oracle provides the latest price per feed to the exchange core.
package oracle

import (
	"fmt"
	"sync"
	"time"

	"PerpVault/internal/errs"
)

// Oracle returns the latest price of a feed at 1e8 scale.
type Oracle interface {
	LatestPrice(feed string) (int64, error)
}

// PriceState tracks the latest accepted price of one feed
type PriceState struct {
	Price     int64
	Sequence  int64
	Timestamp time.Time // publisher time
}

// PriceStore is an Oracle fed by price updates. Updates must arrive with
// increasing sequence numbers; older or duplicate ones are ignored. Reads fail
// when the latest price is older than maxAge.
type PriceStore struct {
	mu     sync.RWMutex
	prices map[string]PriceState
	maxAge time.Duration
	now    func() time.Time
}

// NewPriceStore creates a store. A zero maxAge disables the staleness check.
func NewPriceStore(maxAge time.Duration, now func() time.Time) *PriceStore {
	if now == nil {
		now = time.Now
	}
	return &PriceStore{
		prices: make(map[string]PriceState),
		maxAge: maxAge,
		now:    now,
	}
}

// Update applies a price update. It reports whether the update was accepted.
func (ps *PriceStore) Update(feed string, price, sequence int64, ts time.Time) (bool, error) {
	if price <= 0 {
		return false, fmt.Errorf("feed %s: non-positive price %d: %w", feed, price, errs.ErrOracle)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	current, ok := ps.prices[feed]
	if ok && (sequence <= current.Sequence || ts.Before(current.Timestamp)) {
		// Stale or duplicate - silently ignore (idempotent)
		return false, nil
	}

	ps.prices[feed] = PriceState{Price: price, Sequence: sequence, Timestamp: ts}
	return true, nil
}

// LatestPrice implements Oracle.
func (ps *PriceStore) LatestPrice(feed string) (int64, error) {
	ps.mu.RLock()
	state, ok := ps.prices[feed]
	ps.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("feed %s: no price: %w", feed, errs.ErrOracle)
	}
	if ps.maxAge > 0 {
		if age := ps.now().Sub(state.Timestamp); age > ps.maxAge {
			return 0, fmt.Errorf("feed %s: price is %s old: %w", feed, age, errs.ErrOracle)
		}
	}
	return state.Price, nil
}

// Snapshot returns a copy of every feed's latest state.
func (ps *PriceStore) Snapshot() map[string]PriceState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	out := make(map[string]PriceState, len(ps.prices))
	for k, v := range ps.prices {
		out[k] = v
	}
	return out
}
