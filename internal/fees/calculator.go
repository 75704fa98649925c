package fees

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"PerpVault/internal/errs"
	fpmath "PerpVault/internal/math"
)

// Calculator decides the fee rate an account pays on a product.
type Calculator interface {
	FeeBps(account uuid.UUID, productID uint64, baseBps int64) int64
	RecordVolume(account uuid.UUID, notional int64)
}

// FlatCalculator charges every account the product's fee.
type FlatCalculator struct{}

func (FlatCalculator) FeeBps(_ uuid.UUID, _ uint64, baseBps int64) int64 { return baseBps }
func (FlatCalculator) RecordVolume(uuid.UUID, int64)                     {}

// Tier discounts the base fee once an account's traded notional reaches
// MinVolume.
type Tier struct {
	MinVolume   int64
	DiscountBps int64 // share of the base fee waived
}

// TieredCalculator discounts fees by cumulative traded notional.
type TieredCalculator struct {
	mu     sync.Mutex
	tiers  []Tier // ascending MinVolume
	volume map[uuid.UUID]int64
}

func NewTieredCalculator(tiers []Tier) (*TieredCalculator, error) {
	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinVolume < sorted[j].MinVolume })
	for _, t := range sorted {
		if t.MinVolume < 0 || t.DiscountBps < 0 || t.DiscountBps > fpmath.BpsScale {
			return nil, fmt.Errorf("fee tier %+v: %w", t, errs.ErrInvalidParameters)
		}
	}
	return &TieredCalculator{tiers: sorted, volume: make(map[uuid.UUID]int64)}, nil
}

func (c *TieredCalculator) FeeBps(account uuid.UUID, _ uint64, baseBps int64) int64 {
	c.mu.Lock()
	vol := c.volume[account]
	c.mu.Unlock()

	var discount int64
	for _, t := range c.tiers {
		if vol < t.MinVolume {
			break
		}
		discount = t.DiscountBps
	}
	// both factors are at most 1e4
	return baseBps - baseBps*discount/fpmath.BpsScale
}

func (c *TieredCalculator) RecordVolume(account uuid.UUID, notional int64) {
	if notional <= 0 {
		return
	}
	c.mu.Lock()
	vol := c.volume[account]
	if vol > math.MaxInt64-notional {
		vol = math.MaxInt64
	} else {
		vol += notional
	}
	c.volume[account] = vol
	c.mu.Unlock()
}

// Restore replaces the recorded volumes, typically with totals rebuilt from
// the event log at startup.
func (c *TieredCalculator) Restore(volumes map[uuid.UUID]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volume = make(map[uuid.UUID]int64, len(volumes))
	for account, vol := range volumes {
		if vol > 0 {
			c.volume[account] = vol
		}
	}
}

// Volume returns the notional recorded for account.
func (c *TieredCalculator) Volume(account uuid.UUID) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume[account]
}
