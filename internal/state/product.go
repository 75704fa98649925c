package state

import (
	"fmt"

	"PerpVault/internal/errs"
	fpmath "PerpVault/internal/math"
	"PerpVault/internal/store"
)

// Product is one tradable market priced against a virtual reserve.
type Product struct {
	ID                      uint64
	Feed                    string // oracle feed reference
	MaxLeverage             int64  // 1e8 = 1x
	FeeBps                  int64
	LiquidationThresholdBps int64 // share of margin that may be lost before liquidation
	MinPriceChangeBps       int64
	MinProfitTime           int64 // seconds
	AnnualInterestBps       int64
	Weight                  int64 // share of vault exposure
	Reserve                 int64 // virtual pool depth
	OpenInterestLong        int64
	OpenInterestShort       int64
	IsActive                bool
}

// ValidateProduct checks that the configurable fields are within range.
func ValidateProduct(p Product) error {
	if p.ID == 0 {
		return fmt.Errorf("product id must be > 0: %w", errs.ErrInvalidProductCfg)
	}
	if p.Feed == "" {
		return fmt.Errorf("product %d: feed is required: %w", p.ID, errs.ErrInvalidProductCfg)
	}
	if p.MaxLeverage < fpmath.Scale {
		return fmt.Errorf("product %d: max_leverage must be >= 1x, got %d: %w", p.ID, p.MaxLeverage, errs.ErrInvalidProductCfg)
	}
	if p.FeeBps < 0 || p.FeeBps > fpmath.BpsScale {
		return fmt.Errorf("product %d: fee_bps out of range: %d: %w", p.ID, p.FeeBps, errs.ErrInvalidProductCfg)
	}
	if p.LiquidationThresholdBps <= 0 || p.LiquidationThresholdBps > fpmath.BpsScale {
		return fmt.Errorf("product %d: liquidation_threshold_bps out of range: %d: %w", p.ID, p.LiquidationThresholdBps, errs.ErrInvalidProductCfg)
	}
	if p.MinPriceChangeBps < 0 || p.MinProfitTime < 0 || p.AnnualInterestBps < 0 {
		return fmt.Errorf("product %d: negative guard or interest parameter: %w", p.ID, errs.ErrInvalidProductCfg)
	}
	if p.Weight <= 0 {
		return fmt.Errorf("product %d: weight must be > 0: %w", p.ID, errs.ErrInvalidProductCfg)
	}
	if p.Reserve <= 0 {
		return fmt.Errorf("product %d: reserve must be > 0: %w", p.ID, errs.ErrInvalidProductCfg)
	}
	return nil
}

// ProductRegistry holds product configuration. Open-interest counters are
// written only by the PositionLedger.
type ProductRegistry struct {
	products *store.Table[uint64, Product]
}

func NewProductRegistry() *ProductRegistry {
	return &ProductRegistry{products: store.NewTable[uint64, Product]()}
}

func (pr *ProductRegistry) Get(id uint64) (Product, bool) {
	return pr.products.Get(id)
}

// MustGet returns the product or ErrInvalidProduct.
func (pr *ProductRegistry) MustGet(id uint64) (Product, error) {
	p, ok := pr.products.Get(id)
	if !ok {
		return Product{}, fmt.Errorf("product %d: %w", id, errs.ErrInvalidProduct)
	}
	return p, nil
}

// Add registers a new product with zero open interest.
func (pr *ProductRegistry) Add(tx *store.Tx, p Product) error {
	if err := ValidateProduct(p); err != nil {
		return err
	}
	if _, exists := pr.products.Get(p.ID); exists {
		return fmt.Errorf("product %d: %w", p.ID, errs.ErrProductExists)
	}
	p.OpenInterestLong = 0
	p.OpenInterestShort = 0
	pr.products.Put(tx, p.ID, p)
	return nil
}

// Update replaces a product's configuration, keeping its open interest.
func (pr *ProductRegistry) Update(tx *store.Tx, p Product) (Product, error) {
	existing, err := pr.MustGet(p.ID)
	if err != nil {
		return Product{}, err
	}
	if err := ValidateProduct(p); err != nil {
		return Product{}, err
	}
	p.OpenInterestLong = existing.OpenInterestLong
	p.OpenInterestShort = existing.OpenInterestShort
	pr.products.Put(tx, p.ID, p)
	return p, nil
}

// adjustOpenInterest adds delta to one side's counter.
func (pr *ProductRegistry) adjustOpenInterest(tx *store.Tx, id uint64, isLong bool, delta int64) (Product, error) {
	p, err := pr.MustGet(id)
	if err != nil {
		return Product{}, err
	}
	if isLong {
		p.OpenInterestLong += delta
	} else {
		p.OpenInterestShort += delta
	}
	if p.OpenInterestLong < 0 || p.OpenInterestShort < 0 {
		return Product{}, fmt.Errorf("product %d: open interest below zero: %w", id, errs.ErrInvariantViolation)
	}
	pr.products.Put(tx, id, p)
	return p, nil
}

// TotalWeight sums the weights of every product.
func (pr *ProductRegistry) TotalWeight() int64 {
	var total int64
	pr.products.Range(func(_ uint64, p Product) bool {
		total += p.Weight
		return true
	})
	return total
}

// All returns every product ordered by ID.
func (pr *ProductRegistry) All() []Product {
	return pr.products.Values(func(a, b Product) bool { return a.ID < b.ID })
}

// Restore loads a product as persisted, open interest included.
func (pr *ProductRegistry) Restore(p Product) {
	pr.products.Put(nil, p.ID, p)
}

// MaxExposure returns the share of vault capacity allotted to a product:
// balance * exposureMultiplier / 1e4 * weight / totalWeight.
func MaxExposure(vaultBalance, exposureMultiplier, weight, totalWeight int64) (int64, error) {
	if totalWeight <= 0 {
		return 0, nil
	}
	scaled, err := fpmath.MulDiv(vaultBalance, exposureMultiplier, fpmath.BpsScale, fpmath.RoundDown)
	if err != nil {
		return 0, fmt.Errorf("max exposure: %w", err)
	}
	return fpmath.MulDiv(scaled, weight, totalWeight, fpmath.RoundDown)
}
