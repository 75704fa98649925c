package event

import (
	"github.com/google/uuid"
)

// PositionOpened is emitted when a position is created or increased.
type PositionOpened struct {
	PositionID  uuid.UUID `json:"position_id"`
	Account     uuid.UUID `json:"account"`
	Sender      uuid.UUID `json:"sender"`
	Product     uint64    `json:"product_id"`
	IsLong      bool      `json:"is_long"`
	Price       int64     `json:"price"` // execution price
	OraclePrice int64     `json:"oracle_price"`
	Margin      int64     `json:"margin"` // added by this trade
	Leverage    int64     `json:"leverage"`
	Fee         int64     `json:"fee"`
	Increased   bool      `json:"increased"`

	// Resulting record
	PositionMargin   int64 `json:"position_margin"`
	PositionLeverage int64 `json:"position_leverage"`
	PositionPrice    int64 `json:"position_price"`
}

func (e *PositionOpened) EventType() EventType { return EventTypePositionOpened }
func (e *PositionOpened) ProductID() *uint64   { return productPtr(e.Product) }

// PositionClosed is emitted for every partial or full close.
type PositionClosed struct {
	PositionID  uuid.UUID `json:"position_id"`
	Account     uuid.UUID `json:"account"`
	Sender      uuid.UUID `json:"sender"`
	Product     uint64    `json:"product_id"`
	IsLong      bool      `json:"is_long"`
	Price       int64     `json:"price"`
	EntryPrice  int64     `json:"entry_price"`
	OraclePrice int64     `json:"oracle_price"`
	Margin      int64     `json:"margin"` // closed
	Leverage    int64     `json:"leverage"`
	PnL         int64     `json:"pnl"`
	Fee         int64     `json:"fee"`     // charged
	Funding     int64     `json:"funding"` // charged
	Payout      int64     `json:"payout"`
	Shortfall   int64     `json:"shortfall,omitempty"` // profit the vault could not cover
	Remaining   int64     `json:"remaining_margin"`
}

func (e *PositionClosed) EventType() EventType { return EventTypePositionClosed }
func (e *PositionClosed) ProductID() *uint64   { return productPtr(e.Product) }

// PositionLiquidated is emitted when a keeper force-closes a position. PnL
// is reported as the full margin lost.
type PositionLiquidated struct {
	PositionID uuid.UUID `json:"position_id"`
	Account    uuid.UUID `json:"account"`
	Liquidator uuid.UUID `json:"liquidator"`
	Product    uint64    `json:"product_id"`
	IsLong     bool      `json:"is_long"`
	Price      int64     `json:"price"`
	EntryPrice int64     `json:"entry_price"`
	Margin     int64     `json:"margin"`
	Leverage   int64     `json:"leverage"`
	PnL        int64     `json:"pnl"`
	Funding    int64     `json:"funding"`
	Bounty     int64     `json:"bounty"`
}

func (e *PositionLiquidated) EventType() EventType { return EventTypePositionLiquidated }
func (e *PositionLiquidated) ProductID() *uint64   { return productPtr(e.Product) }
