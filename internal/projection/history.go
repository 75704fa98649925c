package projection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpVault/internal/event"
)

// HistoryEntry is one position event as seen by its account.
type HistoryEntry struct {
	Sequence     int64      `json:"sequence"`
	PositionID   uuid.UUID  `json:"position_id"`
	Account      uuid.UUID  `json:"account"`
	ProductID    uint64     `json:"product_id"`
	EventType    string     `json:"event_type"`
	IsLong       bool       `json:"is_long"`
	Price        int64      `json:"price"`
	Margin       int64      `json:"margin"`
	Leverage     int64      `json:"leverage"`
	PnL          int64      `json:"pnl"`
	Fee          int64      `json:"fee"`
	Funding      int64      `json:"funding"`
	Payout       int64      `json:"payout"`
	Bounty       int64      `json:"bounty"`
	Counterparty *uuid.UUID `json:"counterparty,omitempty"` // manager or liquidator
	Timestamp    time.Time  `json:"timestamp"`
}

// Record is a committed event in the shape both the live feed and the event
// log provide.
type Record struct {
	Sequence  int64
	EventType string
	Payload   []byte
	Timestamp time.Time
}

var (
	opened     = event.EventTypePositionOpened.String()
	closed     = event.EventTypePositionClosed.String()
	liquidated = event.EventTypePositionLiquidated.String()
)

// HistoryEntries extracts the history rows of one record. Events that do not
// touch a position yield none.
func HistoryEntries(rec Record) ([]HistoryEntry, error) {
	base := HistoryEntry{Sequence: rec.Sequence, EventType: rec.EventType, Timestamp: rec.Timestamp.UTC()}

	switch rec.EventType {
	case opened:
		var e event.PositionOpened
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s at seq=%d: %w", rec.EventType, rec.Sequence, err)
		}
		h := base
		h.PositionID, h.Account, h.ProductID, h.IsLong = e.PositionID, e.Account, e.Product, e.IsLong
		h.Price, h.Margin, h.Leverage, h.Fee = e.Price, e.Margin, e.Leverage, e.Fee
		h.Counterparty = other(e.Sender, e.Account)
		return []HistoryEntry{h}, nil

	case closed:
		var e event.PositionClosed
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s at seq=%d: %w", rec.EventType, rec.Sequence, err)
		}
		h := base
		h.PositionID, h.Account, h.ProductID, h.IsLong = e.PositionID, e.Account, e.Product, e.IsLong
		h.Price, h.Margin, h.Leverage = e.Price, e.Margin, e.Leverage
		h.PnL, h.Fee, h.Funding, h.Payout = e.PnL, e.Fee, e.Funding, e.Payout
		h.Counterparty = other(e.Sender, e.Account)
		return []HistoryEntry{h}, nil

	case liquidated:
		var e event.PositionLiquidated
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode %s at seq=%d: %w", rec.EventType, rec.Sequence, err)
		}
		h := base
		h.PositionID, h.Account, h.ProductID, h.IsLong = e.PositionID, e.Account, e.Product, e.IsLong
		h.Price, h.Margin, h.Leverage = e.Price, e.Margin, e.Leverage
		h.PnL, h.Funding, h.Bounty = e.PnL, e.Funding, e.Bounty
		h.Counterparty = &e.Liquidator
		return []HistoryEntry{h}, nil
	}
	return nil, nil
}

func other(sender, account uuid.UUID) *uuid.UUID {
	if sender == account || sender == uuid.Nil {
		return nil
	}
	return &sender
}
