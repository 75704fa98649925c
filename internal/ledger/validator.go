package ledger

import (
	"fmt"
)

// Holdings is what the exchange state says each system account should hold.
type Holdings struct {
	PositionMargin int64 // sum of live position margins
	Vault          int64 // vault balance
	ProtocolReward int64 // pending protocol fee bucket
	StakingReward  int64 // pending staking fee bucket
}

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

// ValidateBatchAccounts checks that no account touched by batch went negative,
// other than the external boundary accounts.
func (v *InvariantValidator) ValidateBatchAccounts(batch *Batch) error {
	for _, j := range batch.Journals {
		for _, key := range []AccountKey{j.DebitAccount, j.CreditAccount} {
			if key.Scope == AccountScopeExternal {
				continue
			}
			if err := v.tracker.ValidateNonNegative(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateHoldings verifies that the ledger's system accounts match the
// exchange state. Together with the zero-sum check this is the collateral
// conservation property: margins + vault + pending buckets + wallets equals
// deposits minus withdrawals.
func (v *InvariantValidator) ValidateHoldings(assetID AssetID, want Holdings) error {
	checks := []struct {
		subType AccountSubType
		want    int64
	}{
		{SubTypeSystemPositionMargin, want.PositionMargin},
		{SubTypeSystemVault, want.Vault},
		{SubTypeSystemProtocolReward, want.ProtocolReward},
		{SubTypeSystemStakingReward, want.StakingReward},
	}

	for _, c := range checks {
		key := SystemAccount(c.subType, assetID)
		if got := v.tracker.GetBalance(key); got != c.want {
			return fmt.Errorf("%s: ledger=%d state=%d", key.AccountPath(), got, c.want)
		}
	}
	return nil
}
