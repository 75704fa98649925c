package ledger

import (
	"fmt"

	"github.com/google/uuid"

	"PerpVault/internal/store"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

func (bt *BalanceTracker) revertJournal(j Journal) {
	bt.balances[j.DebitAccount] -= j.Amount
	bt.balances[j.CreditAccount] += j.Amount
}

// ApplyBatch applies all journals in a batch. When tx is non-nil the batch is
// reverted if tx rolls back.
func (bt *BalanceTracker) ApplyBatch(tx *store.Tx, batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	tx.OnRollback(func() {
		for i := len(batch.Journals) - 1; i >= 0; i-- {
			bt.revertJournal(batch.Journals[i])
		}
	})

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// GetWalletBalance returns the free collateral of an account
func (bt *BalanceTracker) GetWalletBalance(account uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(WalletAccount(account, assetID))
}

// ValidateSufficientWallet checks if the account can spend required
func (bt *BalanceTracker) ValidateSufficientWallet(account uuid.UUID, assetID AssetID, required int64) error {
	available := bt.GetWalletBalance(account, assetID)
	if available < required {
		return fmt.Errorf("insufficient wallet balance: have=%d, need=%d", available, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all non-zero balances
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		if v != 0 {
			snapshot[k] = v
		}
	}
	return snapshot
}

// Restore replaces all balances, used when loading persisted state
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}
