package event

import (
	"github.com/google/uuid"
)

// ProductConfig carries the configurable fields of a product.
type ProductConfig struct {
	ID                      uint64 `json:"id"`
	Feed                    string `json:"feed"`
	MaxLeverage             int64  `json:"max_leverage"`
	FeeBps                  int64  `json:"fee_bps"`
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps"`
	MinPriceChangeBps       int64  `json:"min_price_change_bps"`
	MinProfitTime           int64  `json:"min_profit_time"`
	AnnualInterestBps       int64  `json:"annual_interest_bps"`
	Weight                  int64  `json:"weight"`
	Reserve                 int64  `json:"reserve"`
	IsActive                bool   `json:"is_active"`
}

type ProductAdded struct {
	ProductConfig
}

func (e *ProductAdded) EventType() EventType { return EventTypeProductAdded }
func (e *ProductAdded) ProductID() *uint64   { return productPtr(e.ID) }

type ProductUpdated struct {
	ProductConfig
}

func (e *ProductUpdated) EventType() EventType { return EventTypeProductUpdated }
func (e *ProductUpdated) ProductID() *uint64   { return productPtr(e.ID) }

type ParametersUpdated struct {
	MaxShift              int64 `json:"max_shift"`
	ShiftDivider          int64 `json:"shift_divider"`
	MinMargin             int64 `json:"min_margin"`
	MaxPositionMargin     int64 `json:"max_position_margin"`
	CanUserStake          bool  `json:"can_user_stake"`
	AllowPublicLiquidator bool  `json:"allow_public_liquidator"`
	ManagerOnlyForOpen    bool  `json:"manager_only_for_open"`
	ManagerOnlyForClose   bool  `json:"manager_only_for_close"`
	ExposureMultiplier    int64 `json:"exposure_multiplier"`
	MaxExposureMultiplier int64 `json:"max_exposure_multiplier"`
	LiquidationBountyBps  int64 `json:"liquidation_bounty_bps"`
}

func (e *ParametersUpdated) EventType() EventType { return EventTypeParametersUpdated }
func (e *ParametersUpdated) ProductID() *uint64   { return nil }

type FeeSplitUpdated struct {
	ProtocolBps int64 `json:"protocol_bps"`
	StakingBps  int64 `json:"staking_bps"`
	VaultBps    int64 `json:"vault_bps"`
}

func (e *FeeSplitUpdated) EventType() EventType { return EventTypeFeeSplitUpdated }
func (e *FeeSplitUpdated) ProductID() *uint64   { return nil }

type AccountManagerSet struct {
	Account  uuid.UUID `json:"account"`
	Manager  uuid.UUID `json:"manager"`
	Approved bool      `json:"approved"`
}

func (e *AccountManagerSet) EventType() EventType { return EventTypeAccountManagerSet }
func (e *AccountManagerSet) ProductID() *uint64   { return nil }

type LiquidatorSet struct {
	Liquidator uuid.UUID `json:"liquidator"`
	Allowed    bool      `json:"allowed"`
}

func (e *LiquidatorSet) EventType() EventType { return EventTypeLiquidatorSet }
func (e *LiquidatorSet) ProductID() *uint64   { return nil }
