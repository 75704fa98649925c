package core

import (
	"fmt"

	"github.com/google/uuid"

	"PerpVault/internal/errs"
	"PerpVault/internal/fees"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
)

// Queries take the read lock and return copies, so they observe a state
// between two committed operations.

func (x *Exchange) GetPosition(account uuid.UUID, productID uint64, isLong bool) (state.Position, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	key := state.PositionKey{Account: account, ProductID: productID, IsLong: isLong}
	pos, ok := x.positions.Get(key)
	if !ok {
		return state.Position{}, fmt.Errorf("position %s: %w", key.ID(), errs.ErrPositionNotFound)
	}
	return pos, nil
}

// GetPositions resolves IDs in order. Unknown IDs are left out.
func (x *Exchange) GetPositions(ids []uuid.UUID) []state.Position {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]state.Position, 0, len(ids))
	for _, id := range ids {
		if pos, ok := x.positions.GetByID(id); ok {
			out = append(out, pos)
		}
	}
	return out
}

func (x *Exchange) GetAccountPositions(account uuid.UUID) []state.Position {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.positions.AccountPositions(account)
}

// AllPositions returns every open position, ordered by key.
func (x *Exchange) AllPositions() []state.Position {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.positions.All()
}

func (x *Exchange) GetProduct(id uint64) (state.Product, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.products.MustGet(id)
}

func (x *Exchange) GetProducts() []state.Product {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.products.All()
}

func (x *Exchange) GetVault() vault.Vault {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.vault.Vault()
}

func (x *Exchange) GetStake(account uuid.UUID) (vault.Stake, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.vault.GetStake(account)
}

func (x *Exchange) GetStakes() []vault.Stake {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.vault.Stakes()
}

// GetShare returns the collateral value of account's shares.
func (x *Exchange) GetShare(account uuid.UUID) int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.vault.GetShare(account)
}

// GetShareValue returns the value of one share at 1e8 scale.
func (x *Exchange) GetShareValue() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return vault.ShareValue(x.vault.Vault())
}

func (x *Exchange) GetPendingProtocolReward() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.splitter.PendingProtocol()
}

func (x *Exchange) GetPendingStakingReward() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.splitter.PendingStaking()
}

func (x *Exchange) GetPendingVaultReward() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.vault.PendingReward()
}

// GetCollateral returns the free wallet balance of account.
func (x *Exchange) GetCollateral(account uuid.UUID) int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.balances.GetWalletBalance(account, x.assetID)
}

func (x *Exchange) GetParameters() state.Parameters {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.params.Get()
}

func (x *Exchange) GetFeeSplit() fees.FeeSplit {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.splitter.FeeSplit()
}

// IsManager reports whether manager may trade for account.
func (x *Exchange) IsManager(account, manager uuid.UUID) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	approved, _ := x.managers.Get(managerKey{account: account, manager: manager})
	return approved
}

// IsLiquidationCandidate reports whether the position would pass the
// liquidation gate at the current oracle price.
func (x *Exchange) IsLiquidationCandidate(positionID uuid.UUID) (bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	pos, ok := x.positions.GetByID(positionID)
	if !ok {
		return false, fmt.Errorf("position %s: %w", positionID, errs.ErrPositionNotFound)
	}
	product, err := x.products.MustGet(pos.Key.ProductID)
	if err != nil {
		return false, err
	}
	price, err := x.oraclePrice(product)
	if err != nil {
		return false, err
	}
	return x.liquidations.Check(pos.Key, price)
}

// Sequence returns the last assigned sequence number.
func (x *Exchange) Sequence() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.sequence - 1
}

// StateHash returns the current hash chain tip.
func (x *Exchange) StateHash() [32]byte {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.hasher.GetPrevHash()
}

// Owner returns the administrator account.
func (x *Exchange) Owner() uuid.UUID {
	return x.cfg.Owner
}
