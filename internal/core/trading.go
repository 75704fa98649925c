package core

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"PerpVault/internal/errs"
	"PerpVault/internal/event"
	"PerpVault/internal/fees"
	"PerpVault/internal/ledger"
	"PerpVault/internal/state"
)

// OpenPosition opens or increases account's position on one side of a
// product. Margin and fee are drawn from the account's wallet.
func (x *Exchange) OpenPosition(caller, account uuid.UUID, productID uint64, margin, leverage int64, isLong bool) (state.Position, error) {
	var pos state.Position
	err := x.apply("open_position", "", func(c *opContext) error {
		if err := x.authorizeTrade(caller, account, x.params.Get().ManagerOnlyForOpen); err != nil {
			return err
		}
		product, err := x.products.MustGet(productID)
		if err != nil {
			return err
		}
		if !product.IsActive {
			return fmt.Errorf("product %d: %w", productID, errs.ErrProductInactive)
		}
		m, err := x.market(account, product, c.now)
		if err != nil {
			return err
		}

		key := state.PositionKey{Account: account, ProductID: productID, IsLong: isLong}
		res, err := x.positions.Open(c.tx, key, margin, leverage, m)
		if err != nil {
			return err
		}
		if err := x.balances.ValidateSufficientWallet(account, x.assetID, margin+res.Fee); err != nil {
			return fmt.Errorf("open margin %d fee %d: %v: %w", margin, res.Fee, err, errs.ErrInsufficientCollateral)
		}
		shares, err := x.splitter.Distribute(c.tx, res.Fee)
		if err != nil {
			return err
		}

		jg := c.journal()
		jg.LockMargin(account, margin)
		jg.Fee(account, ledger.FeeFromWallet, shares.Protocol, shares.Staking, shares.Vault)

		c.touchProduct(res.Product)
		c.touchPosition(res.Position)
		c.emit(&event.PositionOpened{
			PositionID:       res.Position.ID,
			Account:          account,
			Sender:           caller,
			Product:          productID,
			IsLong:           isLong,
			Price:            res.ExecPrice,
			OraclePrice:      m.OraclePrice,
			Margin:           margin,
			Leverage:         leverage,
			Fee:              res.Fee,
			Increased:        res.Increased,
			PositionMargin:   res.Position.Margin,
			PositionLeverage: res.Position.Leverage,
			PositionPrice:    res.Position.Price,
		})

		c.onCommit(func() {
			x.calculator.RecordVolume(account, res.Notional)
			x.recordTradeMetrics(res.Product, shares, 0)
		})
		pos = res.Position
		return nil
	})
	if err != nil {
		return state.Position{}, err
	}
	return pos, nil
}

// ClosePosition reduces account's position by margin and settles the
// realized PnL against the vault.
func (x *Exchange) ClosePosition(caller, account uuid.UUID, productID uint64, margin int64, isLong bool) (*event.PositionClosed, error) {
	key := state.PositionKey{Account: account, ProductID: productID, IsLong: isLong}
	return x.closePosition(caller, key, margin)
}

// ClosePositionWithID is ClosePosition addressed by position ID.
func (x *Exchange) ClosePositionWithID(caller, positionID uuid.UUID, margin int64) (*event.PositionClosed, error) {
	x.mu.RLock()
	pos, ok := x.positions.GetByID(positionID)
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("position %s: %w", positionID, errs.ErrPositionNotFound)
	}
	return x.closePosition(caller, pos.Key, margin)
}

func (x *Exchange) closePosition(caller uuid.UUID, key state.PositionKey, margin int64) (*event.PositionClosed, error) {
	var closed *event.PositionClosed
	err := x.apply("close_position", "", func(c *opContext) error {
		if err := x.authorizeTrade(caller, key.Account, x.params.Get().ManagerOnlyForClose); err != nil {
			return err
		}
		product, err := x.products.MustGet(key.ProductID)
		if err != nil {
			return err
		}
		m, err := x.market(key.Account, product, c.now)
		if err != nil {
			return err
		}

		res, err := x.positions.Close(c.tx, key, margin, m)
		if err != nil {
			return err
		}
		st := res.Settlement

		shares, err := x.splitter.Distribute(c.tx, st.FeeCharged)
		if err != nil {
			return err
		}
		shortfall := x.vault.ApplyTraderPnL(c.tx, st.VaultDelta)
		if err := closeLegs(c.journal(), key.Account, margin, st, shares, shortfall); err != nil {
			return err
		}

		c.touchProduct(res.Product)
		if res.Removed {
			c.removePosition(res.Before.ID)
		} else {
			c.touchPosition(res.After)
		}

		closed = &event.PositionClosed{
			PositionID:  res.Before.ID,
			Account:     key.Account,
			Sender:      caller,
			Product:     key.ProductID,
			IsLong:      key.IsLong,
			Price:       res.ExecPrice,
			EntryPrice:  res.Before.Price,
			OraclePrice: m.OraclePrice,
			Margin:      margin,
			Leverage:    res.Before.Leverage,
			PnL:         res.PnL,
			Fee:         st.FeeCharged,
			Funding:     st.FundingCharged,
			Payout:      st.Payout - shortfall,
			Shortfall:   shortfall,
			Remaining:   res.After.Margin,
		}
		c.emit(closed)

		if shortfall > 0 {
			x.logger.Warn().
				Str("position_id", res.Before.ID.String()).
				Int64("payout", st.Payout).
				Int64("shortfall", shortfall).
				Msg("vault balance capped trader payout")
		}
		c.onCommit(func() {
			x.calculator.RecordVolume(key.Account, res.Notional)
			x.recordTradeMetrics(res.Product, shares, st.FundingCharged)
			if x.metrics != nil && shortfall > 0 {
				x.metrics.VaultShortfall.Add(float64(shortfall))
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

// closeLegs posts the collateral movements of a close. The released margin
// pays fee and funding first; the vault absorbs what the trader does not get
// back, or tops up the payout when the trader won.
func closeLegs(jg *ledger.JournalGenerator, account uuid.UUID, closeMargin int64, st state.Settlement, shares fees.Shares, shortfall int64) error {
	jg.Fee(account, ledger.FeeFromMargin, shares.Protocol, shares.Staking, shares.Vault)
	jg.Funding(st.FundingCharged)

	rest := closeMargin - st.FeeCharged - st.FundingCharged
	payout := st.Payout - shortfall
	if payout < 0 {
		return fmt.Errorf("fee and funding exceed margin plus vault balance: %w", errs.ErrVaultInsolvent)
	}

	switch {
	case rest < 0:
		jg.CoverMargin(-rest)
		jg.TraderProfit(account, payout)
	case payout <= rest:
		jg.ReleaseMargin(account, payout)
		jg.TraderLoss(rest - payout)
	default:
		jg.ReleaseMargin(account, rest)
		jg.TraderProfit(account, payout-rest)
	}
	return nil
}

// LiquidatePositions force-closes every listed position whose loss has
// reached its product's threshold at the current oracle price. Positions
// that are missing or still healthy are skipped; the call fails with
// ErrNotLiquidatable when none qualifies.
func (x *Exchange) LiquidatePositions(caller uuid.UUID, positionIDs []uuid.UUID) ([]*event.PositionLiquidated, error) {
	return x.liquidate("", caller, positionIDs)
}

// KeeperLiquidate is LiquidatePositions for a deduplicated upstream command.
// The request ID is recorded on the emitted envelopes.
func (x *Exchange) KeeperLiquidate(requestID string, caller uuid.UUID, positionIDs []uuid.UUID) ([]*event.PositionLiquidated, error) {
	return x.liquidate(requestID, caller, positionIDs)
}

func (x *Exchange) liquidate(requestID string, caller uuid.UUID, positionIDs []uuid.UUID) ([]*event.PositionLiquidated, error) {
	var liquidated []*event.PositionLiquidated
	err := x.apply("liquidate_positions", requestID, func(c *opContext) error {
		params := x.params.Get()
		if !params.AllowPublicLiquidator {
			if allowed, _ := x.liquidators.Get(caller); !allowed {
				return fmt.Errorf("caller %s is not a liquidator: %w", caller, errs.ErrUnauthorized)
			}
		}
		if len(positionIDs) == 0 {
			return fmt.Errorf("no positions given: %w", errs.ErrInvalidAmount)
		}

		seen := make(map[uuid.UUID]bool, len(positionIDs))
		for _, id := range positionIDs {
			if seen[id] {
				continue
			}
			seen[id] = true

			pos, ok := x.positions.GetByID(id)
			if !ok {
				continue
			}
			product, err := x.products.MustGet(pos.Key.ProductID)
			if err != nil {
				return err
			}
			price, err := x.oraclePrice(product)
			if err != nil {
				return err
			}
			liquidatable, err := state.IsLiquidatable(pos, product, price)
			if err != nil {
				return err
			}
			if !liquidatable {
				continue
			}

			res, err := x.liquidations.Liquidate(c.tx, pos.Key, price, params.LiquidationBountyBps, c.now)
			if err != nil {
				return err
			}
			x.vault.ApplyTraderPnL(c.tx, res.VaultDelta)

			jg := c.journal()
			jg.LiquidationBounty(caller, res.Bounty)
			jg.Funding(res.FundingCharged)
			jg.TraderLoss(pos.Margin - res.Bounty - res.FundingCharged)

			c.touchProduct(res.Product)
			c.removePosition(pos.ID)

			evt := &event.PositionLiquidated{
				PositionID: pos.ID,
				Account:    pos.Key.Account,
				Liquidator: caller,
				Product:    product.ID,
				IsLong:     pos.Key.IsLong,
				Price:      price,
				EntryPrice: pos.Price,
				Margin:     pos.Margin,
				Leverage:   pos.Leverage,
				PnL:        -pos.Margin,
				Funding:    res.FundingCharged,
				Bounty:     res.Bounty,
			}
			c.emit(evt)
			liquidated = append(liquidated, evt)

			x.logger.Info().
				Str("position_id", pos.ID.String()).
				Uint64("product_id", product.ID).
				Int64("price", price).
				Int64("bounty", res.Bounty).
				Msg("position liquidated")

			productID := strconv.FormatUint(product.ID, 10)
			bounty, funding, p := res.Bounty, res.FundingCharged, res.Product
			c.onCommit(func() {
				if x.metrics == nil {
					return
				}
				x.metrics.Liquidations.WithLabelValues(productID).Inc()
				x.metrics.LiquidationBounty.WithLabelValues(productID).Add(float64(bounty))
				x.metrics.FundingCollected.WithLabelValues(productID).Add(float64(funding))
				x.setOpenInterest(p)
			})
		}
		if len(liquidated) == 0 {
			return fmt.Errorf("none of %d positions: %w", len(positionIDs), errs.ErrNotLiquidatable)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return liquidated, nil
}

func (x *Exchange) recordTradeMetrics(p state.Product, shares fees.Shares, funding int64) {
	if x.metrics == nil {
		return
	}
	x.metrics.FeesCollected.WithLabelValues(event.RewardProtocol).Add(float64(shares.Protocol))
	x.metrics.FeesCollected.WithLabelValues(event.RewardStaking).Add(float64(shares.Staking))
	x.metrics.FeesCollected.WithLabelValues(event.RewardVault).Add(float64(shares.Vault))
	if funding > 0 {
		x.metrics.FundingCollected.WithLabelValues(strconv.FormatUint(p.ID, 10)).Add(float64(funding))
	}
	x.setOpenInterest(p)
}

func (x *Exchange) setOpenInterest(p state.Product) {
	id := strconv.FormatUint(p.ID, 10)
	x.metrics.OpenInterest.WithLabelValues(id, "long").Set(float64(p.OpenInterestLong))
	x.metrics.OpenInterest.WithLabelValues(id, "short").Set(float64(p.OpenInterestShort))
}
