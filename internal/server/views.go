package server

import (
	"encoding/hex"

	"github.com/google/uuid"

	"PerpVault/internal/event"
	"PerpVault/internal/fees"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
)

type positionView struct {
	ID        uuid.UUID `json:"id"`
	Account   uuid.UUID `json:"account"`
	ProductID uint64    `json:"product_id"`
	IsLong    bool      `json:"is_long"`
	Margin    Amount    `json:"margin"`
	Leverage  Amount    `json:"leverage"`
	Price     Amount    `json:"price"`
	Timestamp int64     `json:"timestamp"`
}

func newPositionView(p state.Position) positionView {
	return positionView{
		ID:        p.ID,
		Account:   p.Key.Account,
		ProductID: p.Key.ProductID,
		IsLong:    p.Key.IsLong,
		Margin:    Amount(p.Margin),
		Leverage:  Amount(p.Leverage),
		Price:     Amount(p.Price),
		Timestamp: p.Timestamp,
	}
}

func newPositionViews(ps []state.Position) []positionView {
	out := make([]positionView, len(ps))
	for i, p := range ps {
		out[i] = newPositionView(p)
	}
	return out
}

// productView is used for both reads and admin writes; open interest is
// ignored on write.
type productView struct {
	ID                      uint64 `json:"id"`
	Feed                    string `json:"feed"`
	MaxLeverage             Amount `json:"max_leverage"`
	FeeBps                  int64  `json:"fee_bps"`
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps"`
	MinPriceChangeBps       int64  `json:"min_price_change_bps"`
	MinProfitTime           int64  `json:"min_profit_time"`
	AnnualInterestBps       int64  `json:"annual_interest_bps"`
	Weight                  int64  `json:"weight"`
	Reserve                 Amount `json:"reserve"`
	OpenInterestLong        Amount `json:"open_interest_long"`
	OpenInterestShort       Amount `json:"open_interest_short"`
	IsActive                bool   `json:"is_active"`
}

func newProductView(p state.Product) productView {
	return productView{
		ID:                      p.ID,
		Feed:                    p.Feed,
		MaxLeverage:             Amount(p.MaxLeverage),
		FeeBps:                  p.FeeBps,
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		MinPriceChangeBps:       p.MinPriceChangeBps,
		MinProfitTime:           p.MinProfitTime,
		AnnualInterestBps:       p.AnnualInterestBps,
		Weight:                  p.Weight,
		Reserve:                 Amount(p.Reserve),
		OpenInterestLong:        Amount(p.OpenInterestLong),
		OpenInterestShort:       Amount(p.OpenInterestShort),
		IsActive:                p.IsActive,
	}
}

func (v productView) product() state.Product {
	return state.Product{
		ID:                      v.ID,
		Feed:                    v.Feed,
		MaxLeverage:             int64(v.MaxLeverage),
		FeeBps:                  v.FeeBps,
		LiquidationThresholdBps: v.LiquidationThresholdBps,
		MinPriceChangeBps:       v.MinPriceChangeBps,
		MinProfitTime:           v.MinProfitTime,
		AnnualInterestBps:       v.AnnualInterestBps,
		Weight:                  v.Weight,
		Reserve:                 int64(v.Reserve),
		IsActive:                v.IsActive,
	}
}

type vaultView struct {
	Asset           string `json:"asset"`
	Cap             Amount `json:"cap"`
	Balance         Amount `json:"balance"`
	TotalShares     Amount `json:"total_shares"`
	StakingPeriod   int64  `json:"staking_period"`
	ShareValue      Amount `json:"share_value"`
	PendingProtocol Amount `json:"pending_protocol_reward"`
	PendingStaking  Amount `json:"pending_staking_reward"`
	PendingVault    Amount `json:"pending_vault_reward"`
}

func newVaultView(v vault.Vault) vaultView {
	return vaultView{
		Asset:         v.Asset,
		Cap:           Amount(v.Cap),
		Balance:       Amount(v.Balance),
		TotalShares:   Amount(v.TotalShares),
		StakingPeriod: v.StakingPeriod,
		ShareValue:    Amount(vault.ShareValue(v)),
	}
}

type stakeView struct {
	Account   uuid.UUID `json:"account"`
	Shares    Amount    `json:"shares"`
	Value     Amount    `json:"value"`
	Timestamp int64     `json:"timestamp"`
}

type parametersView struct {
	MaxShift              Amount `json:"max_shift"`
	ShiftDivider          int64  `json:"shift_divider"`
	MinMargin             Amount `json:"min_margin"`
	MaxPositionMargin     Amount `json:"max_position_margin"`
	CanUserStake          bool   `json:"can_user_stake"`
	AllowPublicLiquidator bool   `json:"allow_public_liquidator"`
	ManagerOnlyForOpen    bool   `json:"manager_only_for_open"`
	ManagerOnlyForClose   bool   `json:"manager_only_for_close"`
	ExposureMultiplier    int64  `json:"exposure_multiplier"`
	MaxExposureMultiplier int64  `json:"max_exposure_multiplier"`
	LiquidationBountyBps  int64  `json:"liquidation_bounty_bps"`
}

func newParametersView(p state.Parameters) parametersView {
	return parametersView{
		MaxShift:              Amount(p.MaxShift),
		ShiftDivider:          p.ShiftDivider,
		MinMargin:             Amount(p.MinMargin),
		MaxPositionMargin:     Amount(p.MaxPositionMargin),
		CanUserStake:          p.CanUserStake,
		AllowPublicLiquidator: p.AllowPublicLiquidator,
		ManagerOnlyForOpen:    p.ManagerOnlyForOpen,
		ManagerOnlyForClose:   p.ManagerOnlyForClose,
		ExposureMultiplier:    p.ExposureMultiplier,
		MaxExposureMultiplier: p.MaxExposureMultiplier,
		LiquidationBountyBps:  p.LiquidationBountyBps,
	}
}

func (v parametersView) parameters() state.Parameters {
	return state.Parameters{
		MaxShift:              int64(v.MaxShift),
		ShiftDivider:          v.ShiftDivider,
		MinMargin:             int64(v.MinMargin),
		MaxPositionMargin:     int64(v.MaxPositionMargin),
		CanUserStake:          v.CanUserStake,
		AllowPublicLiquidator: v.AllowPublicLiquidator,
		ManagerOnlyForOpen:    v.ManagerOnlyForOpen,
		ManagerOnlyForClose:   v.ManagerOnlyForClose,
		ExposureMultiplier:    v.ExposureMultiplier,
		MaxExposureMultiplier: v.MaxExposureMultiplier,
		LiquidationBountyBps:  v.LiquidationBountyBps,
	}
}

type feeSplitView struct {
	ProtocolBps int64 `json:"protocol_bps"`
	StakingBps  int64 `json:"staking_bps"`
	VaultBps    int64 `json:"vault_bps"`
}

func (v feeSplitView) split() fees.FeeSplit {
	return fees.FeeSplit{ProtocolBps: v.ProtocolBps, StakingBps: v.StakingBps, VaultBps: v.VaultBps}
}

type closedView struct {
	PositionID      uuid.UUID `json:"position_id"`
	Account         uuid.UUID `json:"account"`
	ProductID       uint64    `json:"product_id"`
	IsLong          bool      `json:"is_long"`
	Price           Amount    `json:"price"`
	EntryPrice      Amount    `json:"entry_price"`
	Margin          Amount    `json:"margin"`
	PnL             Amount    `json:"pnl"`
	Fee             Amount    `json:"fee"`
	Funding         Amount    `json:"funding"`
	Payout          Amount    `json:"payout"`
	Shortfall       Amount    `json:"shortfall"`
	RemainingMargin Amount    `json:"remaining_margin"`
}

func newClosedView(e *event.PositionClosed) closedView {
	return closedView{
		PositionID:      e.PositionID,
		Account:         e.Account,
		ProductID:       e.Product,
		IsLong:          e.IsLong,
		Price:           Amount(e.Price),
		EntryPrice:      Amount(e.EntryPrice),
		Margin:          Amount(e.Margin),
		PnL:             Amount(e.PnL),
		Fee:             Amount(e.Fee),
		Funding:         Amount(e.Funding),
		Payout:          Amount(e.Payout),
		Shortfall:       Amount(e.Shortfall),
		RemainingMargin: Amount(e.Remaining),
	}
}

type liquidatedView struct {
	PositionID uuid.UUID `json:"position_id"`
	Account    uuid.UUID `json:"account"`
	ProductID  uint64    `json:"product_id"`
	Price      Amount    `json:"price"`
	Margin     Amount    `json:"margin"`
	PnL        Amount    `json:"pnl"`
	Funding    Amount    `json:"funding"`
	Bounty     Amount    `json:"bounty"`
}

func newLiquidatedViews(es []*event.PositionLiquidated) []liquidatedView {
	out := make([]liquidatedView, len(es))
	for i, e := range es {
		out[i] = liquidatedView{
			PositionID: e.PositionID,
			Account:    e.Account,
			ProductID:  e.Product,
			Price:      Amount(e.Price),
			Margin:     Amount(e.Margin),
			PnL:        Amount(e.PnL),
			Funding:    Amount(e.Funding),
			Bounty:     Amount(e.Bounty),
		}
	}
	return out
}

type statusView struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
}

func hashHex(h [32]byte) string {
	return hex.EncodeToString(h[:])
}
