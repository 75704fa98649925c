package core

import (
	"fmt"

	"github.com/google/uuid"

	"PerpVault/internal/errs"
	"PerpVault/internal/ledger"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
)

// State is the complete durable state of an exchange, as loaded from or
// written to the state tables.
type State struct {
	Meta        Meta
	Products    []state.Product
	Positions   []state.Position
	Vault       vault.Vault
	Stakes      []vault.Stake
	Balances    map[ledger.AccountKey]int64
	Managers    []ManagerGrant
	Liquidators []uuid.UUID
}

// Snapshot captures the current in-memory state.
func (x *Exchange) Snapshot() *State {
	x.mu.RLock()
	defer x.mu.RUnlock()

	s := &State{
		Meta:      x.meta(x.sequence - 1),
		Products:  x.products.All(),
		Positions: x.positions.All(),
		Vault:     x.vault.Vault(),
		Stakes:    x.vault.Stakes(),
		Balances:  x.balances.Snapshot(),
	}
	x.managers.Range(func(k managerKey, approved bool) bool {
		if approved {
			s.Managers = append(s.Managers, ManagerGrant{Account: k.account, Manager: k.manager, Approved: true})
		}
		return true
	})
	x.liquidators.Range(func(id uuid.UUID, allowed bool) bool {
		if allowed {
			s.Liquidators = append(s.Liquidators, id)
		}
		return true
	})
	return s
}

// Restore replaces the in-memory state with s and checks it against the
// ledger invariants. It must run before the exchange serves requests.
func (x *Exchange) Restore(s *State) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := state.ValidateParameters(s.Meta.Parameters); err != nil {
		return err
	}
	if err := s.Meta.FeeSplit.Validate(); err != nil {
		return err
	}

	x.sequence = s.Meta.Sequence + 1
	x.hasher.SetPrevHash(s.Meta.StateHash)
	x.params.Set(nil, s.Meta.Parameters)
	x.splitter.Restore(s.Meta.FeeSplit, s.Meta.PendingProtocol, s.Meta.PendingStaking)

	for _, p := range s.Products {
		x.products.Restore(p)
	}
	for _, p := range s.Positions {
		x.positions.Restore(p)
	}
	v := s.Vault
	v.Asset = x.cfg.Asset
	x.vault.Restore(v, s.Stakes, s.Meta.PendingVault)
	x.balances.Restore(s.Balances)
	for _, g := range s.Managers {
		if g.Approved {
			x.managers.Put(nil, managerKey{account: g.Account, manager: g.Manager}, true)
		}
	}
	for _, id := range s.Liquidators {
		x.liquidators.Put(nil, id, true)
	}

	if err := x.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("restored ledger: %v: %w", err, errs.ErrInvariantViolation)
	}
	holdings := ledger.Holdings{
		PositionMargin: x.positions.TotalMargin(),
		Vault:          x.vault.Vault().Balance,
		ProtocolReward: x.splitter.PendingProtocol(),
		StakingReward:  x.splitter.PendingStaking(),
	}
	if err := x.validator.ValidateHoldings(x.assetID, holdings); err != nil {
		return fmt.Errorf("restored state: %v: %w", err, errs.ErrInvariantViolation)
	}
	if err := x.validateOpenInterest(); err != nil {
		return err
	}

	x.logger.Info().
		Int64("sequence", s.Meta.Sequence).
		Int("products", len(s.Products)).
		Int("positions", len(s.Positions)).
		Int("stakes", len(s.Stakes)).
		Msg("state restored")
	return nil
}

// validateOpenInterest checks that every product's counters equal the sum of
// its positions' notional.
func (x *Exchange) validateOpenInterest() error {
	type sides struct{ long, short int64 }
	sums := make(map[uint64]*sides)
	for _, p := range x.positions.All() {
		s, ok := sums[p.Key.ProductID]
		if !ok {
			s = &sides{}
			sums[p.Key.ProductID] = s
		}
		if p.Key.IsLong {
			s.long += p.Notional()
		} else {
			s.short += p.Notional()
		}
	}
	for _, prod := range x.products.All() {
		s := sums[prod.ID]
		if s == nil {
			s = &sides{}
		}
		if prod.OpenInterestLong != s.long || prod.OpenInterestShort != s.short {
			return fmt.Errorf("product %d open interest %d/%d, positions sum %d/%d: %w",
				prod.ID, prod.OpenInterestLong, prod.OpenInterestShort, s.long, s.short, errs.ErrInvariantViolation)
		}
		delete(sums, prod.ID)
	}
	for id := range sums {
		return fmt.Errorf("positions reference unknown product %d: %w", id, errs.ErrInvariantViolation)
	}
	return nil
}
