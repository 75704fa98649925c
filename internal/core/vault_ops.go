package core

import (
	"fmt"

	"github.com/google/uuid"

	"PerpVault/internal/errs"
	"PerpVault/internal/event"
	"PerpVault/internal/ledger"
	"PerpVault/internal/vault"
)

// Stake moves amount from caller's wallet into the vault and issues shares.
func (x *Exchange) Stake(caller uuid.UUID, amount int64) (vault.StakeResult, error) {
	var out vault.StakeResult
	err := x.apply("stake", "", func(c *opContext) error {
		if !x.params.Get().CanUserStake && caller != x.cfg.Owner {
			return fmt.Errorf("user staking disabled: %w", errs.ErrUnauthorized)
		}
		if amount > 0 {
			if err := x.balances.ValidateSufficientWallet(caller, x.assetID, amount); err != nil {
				return fmt.Errorf("stake %d: %v: %w", amount, err, errs.ErrInsufficientCollateral)
			}
		}
		res, err := x.vault.Stake(c.tx, caller, amount, c.now)
		if err != nil {
			return err
		}
		c.journal().Stake(caller, amount)
		c.checkShareValue = true
		c.delta.Stakes = append(c.delta.Stakes, res.Stake)
		c.emit(&event.Staked{Account: caller, Amount: amount, Shares: res.Shares})
		out = res
		return nil
	})
	return out, err
}

// Redeem burns shares of caller's stake and pays their value to the wallet.
func (x *Exchange) Redeem(caller uuid.UUID, shares int64) (vault.RedeemResult, error) {
	var out vault.RedeemResult
	err := x.apply("redeem", "", func(c *opContext) error {
		res, err := x.vault.Redeem(c.tx, caller, shares, c.now)
		if err != nil {
			return err
		}
		c.journal().Redeem(caller, res.Amount)
		c.checkShareValue = true
		if res.Removed {
			c.delta.RemovedStakes = append(c.delta.RemovedStakes, caller)
		} else {
			c.delta.Stakes = append(c.delta.Stakes, res.Stake)
		}
		c.emit(&event.Redeemed{Account: caller, Shares: shares, Amount: res.Amount})
		out = res
		return nil
	})
	return out, err
}

// Deposit credits amount of external collateral to account's wallet. The
// account itself or the owner may deposit.
func (x *Exchange) Deposit(caller, account uuid.UUID, amount int64) error {
	return x.apply("deposit", "", func(c *opContext) error {
		if caller != account && caller != x.cfg.Owner {
			return fmt.Errorf("caller %s may not deposit for %s: %w", caller, account, errs.ErrUnauthorized)
		}
		if amount <= 0 {
			return fmt.Errorf("deposit %d: %w", amount, errs.ErrInvalidAmount)
		}
		c.journal().Deposit(account, amount)
		c.emit(&event.Deposited{Account: account, Amount: amount})
		return nil
	})
}

// Withdraw releases amount from caller's wallet to the outside world.
func (x *Exchange) Withdraw(caller uuid.UUID, amount int64) error {
	return x.apply("withdraw", "", func(c *opContext) error {
		if amount <= 0 {
			return fmt.Errorf("withdraw %d: %w", amount, errs.ErrInvalidAmount)
		}
		if err := x.balances.ValidateSufficientWallet(caller, x.assetID, amount); err != nil {
			return fmt.Errorf("withdraw %d: %v: %w", amount, err, errs.ErrInsufficientCollateral)
		}
		c.journal().Withdraw(caller, amount)
		c.emit(&event.Withdrawn{Account: caller, Amount: amount})
		return nil
	})
}

// DistributeProtocolReward pays the pending protocol bucket to the protocol
// distributor's wallet.
func (x *Exchange) DistributeProtocolReward(caller uuid.UUID) (int64, error) {
	return x.distribute(caller, event.RewardProtocol, x.cfg.ProtocolDistributor)
}

// DistributeStakingReward pays the pending staking bucket to the staking
// distributor's wallet.
func (x *Exchange) DistributeStakingReward(caller uuid.UUID) (int64, error) {
	return x.distribute(caller, event.RewardStaking, x.cfg.StakingDistributor)
}

// DistributeVaultReward reports the fee income compounded into the vault
// since the last call to the vault distributor and resets the counter. No
// collateral moves; stakers already hold it through their shares.
func (x *Exchange) DistributeVaultReward(caller uuid.UUID) (int64, error) {
	return x.distribute(caller, event.RewardVault, x.cfg.VaultDistributor)
}

func (x *Exchange) distribute(caller uuid.UUID, bucket string, distributor uuid.UUID) (int64, error) {
	var amount int64
	err := x.apply("distribute_"+bucket+"_reward", "", func(c *opContext) error {
		if caller != distributor && caller != x.cfg.Owner {
			return fmt.Errorf("caller %s may not distribute %s rewards: %w", caller, bucket, errs.ErrUnauthorized)
		}
		switch bucket {
		case event.RewardProtocol:
			amount = x.splitter.ClaimProtocol(c.tx)
			c.journal().RewardPayout(ledger.SubTypeSystemProtocolReward, distributor, amount)
		case event.RewardStaking:
			amount = x.splitter.ClaimStaking(c.tx)
			c.journal().RewardPayout(ledger.SubTypeSystemStakingReward, distributor, amount)
		case event.RewardVault:
			amount = x.vault.ClaimPendingReward(c.tx)
			if amount > 0 && x.vaultNotifier != nil {
				if err := x.vaultNotifier.Notify(amount); err != nil {
					return fmt.Errorf("notify vault distributor: %w", err)
				}
			}
		}
		if amount == 0 {
			return fmt.Errorf("%s bucket is empty: %w", bucket, errs.ErrNothingToDistribute)
		}
		c.emit(&event.RewardDistributed{Bucket: bucket, Distributor: distributor, Amount: amount})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return amount, nil
}
