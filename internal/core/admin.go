package core

import (
	"github.com/google/uuid"

	"PerpVault/internal/event"
	"PerpVault/internal/fees"
	"PerpVault/internal/state"
)

// AddProduct registers a new market. Owner only.
func (x *Exchange) AddProduct(caller uuid.UUID, p state.Product) error {
	return x.apply("add_product", "", func(c *opContext) error {
		if err := x.requireOwner(caller); err != nil {
			return err
		}
		if err := x.products.Add(c.tx, p); err != nil {
			return err
		}
		added, _ := x.products.Get(p.ID)
		c.touchProduct(added)
		c.emit(&event.ProductAdded{ProductConfig: productConfig(added)})
		return nil
	})
}

// UpdateProduct replaces a market's configuration, keeping its open
// interest. Owner only.
func (x *Exchange) UpdateProduct(caller uuid.UUID, p state.Product) error {
	return x.apply("update_product", "", func(c *opContext) error {
		if err := x.requireOwner(caller); err != nil {
			return err
		}
		updated, err := x.products.Update(c.tx, p)
		if err != nil {
			return err
		}
		c.touchProduct(updated)
		c.emit(&event.ProductUpdated{ProductConfig: productConfig(updated)})
		return nil
	})
}

// UpdateVault sets the vault cap and staking lock period. Owner only.
func (x *Exchange) UpdateVault(caller uuid.UUID, cap, stakingPeriod int64) error {
	return x.apply("update_vault", "", func(c *opContext) error {
		if err := x.requireOwner(caller); err != nil {
			return err
		}
		v, err := x.vault.Configure(c.tx, cap, stakingPeriod)
		if err != nil {
			return err
		}
		c.emit(&event.VaultUpdated{Cap: v.Cap, StakingPeriod: v.StakingPeriod})
		return nil
	})
}

// SetParameters replaces the exchange-wide parameters. Owner only.
func (x *Exchange) SetParameters(caller uuid.UUID, p state.Parameters) error {
	return x.apply("set_parameters", "", func(c *opContext) error {
		if err := x.requireOwner(caller); err != nil {
			return err
		}
		if err := state.ValidateParameters(p); err != nil {
			return err
		}
		x.params.Set(c.tx, p)
		c.emit(&event.ParametersUpdated{
			MaxShift:              p.MaxShift,
			ShiftDivider:          p.ShiftDivider,
			MinMargin:             p.MinMargin,
			MaxPositionMargin:     p.MaxPositionMargin,
			CanUserStake:          p.CanUserStake,
			AllowPublicLiquidator: p.AllowPublicLiquidator,
			ManagerOnlyForOpen:    p.ManagerOnlyForOpen,
			ManagerOnlyForClose:   p.ManagerOnlyForClose,
			ExposureMultiplier:    p.ExposureMultiplier,
			MaxExposureMultiplier: p.MaxExposureMultiplier,
			LiquidationBountyBps:  p.LiquidationBountyBps,
		})
		return nil
	})
}

// SetFeeSplit changes how future fees are divided. Owner only.
func (x *Exchange) SetFeeSplit(caller uuid.UUID, split fees.FeeSplit) error {
	return x.apply("set_fee_split", "", func(c *opContext) error {
		if err := x.requireOwner(caller); err != nil {
			return err
		}
		if err := x.splitter.SetFeeSplit(c.tx, split); err != nil {
			return err
		}
		c.emit(&event.FeeSplitUpdated{
			ProtocolBps: split.ProtocolBps,
			StakingBps:  split.StakingBps,
			VaultBps:    split.VaultBps,
		})
		return nil
	})
}

// SetAccountManager lets caller approve or revoke a manager that may open
// and close positions on caller's behalf.
func (x *Exchange) SetAccountManager(caller, manager uuid.UUID, approved bool) error {
	return x.apply("set_account_manager", "", func(c *opContext) error {
		key := managerKey{account: caller, manager: manager}
		if approved {
			x.managers.Put(c.tx, key, true)
		} else {
			x.managers.Delete(c.tx, key)
		}
		c.delta.Managers = append(c.delta.Managers, ManagerGrant{Account: caller, Manager: manager, Approved: approved})
		c.emit(&event.AccountManagerSet{Account: caller, Manager: manager, Approved: approved})
		return nil
	})
}

// SetLiquidator registers or removes a liquidator. Owner only.
func (x *Exchange) SetLiquidator(caller, liquidator uuid.UUID, allowed bool) error {
	return x.apply("set_liquidator", "", func(c *opContext) error {
		if err := x.requireOwner(caller); err != nil {
			return err
		}
		if allowed {
			x.liquidators.Put(c.tx, liquidator, true)
		} else {
			x.liquidators.Delete(c.tx, liquidator)
		}
		c.delta.Liquidators = append(c.delta.Liquidators, LiquidatorGrant{Liquidator: liquidator, Allowed: allowed})
		c.emit(&event.LiquidatorSet{Liquidator: liquidator, Allowed: allowed})
		return nil
	})
}

func productConfig(p state.Product) event.ProductConfig {
	return event.ProductConfig{
		ID:                      p.ID,
		Feed:                    p.Feed,
		MaxLeverage:             p.MaxLeverage,
		FeeBps:                  p.FeeBps,
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		MinPriceChangeBps:       p.MinPriceChangeBps,
		MinProfitTime:           p.MinProfitTime,
		AnnualInterestBps:       p.AnnualInterestBps,
		Weight:                  p.Weight,
		Reserve:                 p.Reserve,
		IsActive:                p.IsActive,
	}
}
