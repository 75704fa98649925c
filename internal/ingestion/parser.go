package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PriceUpdate is a parsed oracle price message.
type PriceUpdate struct {
	Feed      string
	Price     int64 // 1e8 scale
	Sequence  int64
	Timestamp time.Time
}

// LiquidateCommand is a parsed keeper request to liquidate positions.
type LiquidateCommand struct {
	RequestID   string
	Keeper      uuid.UUID
	PositionIDs []uuid.UUID
	Timestamp   time.Time
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type priceUpdateJSON struct {
	Feed        string `json:"feed"`
	Price       int64  `json:"price"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParsePriceUpdate decodes a price message. The feed falls back to the last
// subject token when the payload omits it.
func ParsePriceUpdate(raw RawEvent) (PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price update: %w", err)
	}
	feed := j.Feed
	if feed == "" {
		feed = lastToken(raw.Subject)
	}
	if feed == "" {
		return PriceUpdate{}, fmt.Errorf("parse price update: missing feed")
	}
	if j.Price <= 0 {
		return PriceUpdate{}, fmt.Errorf("parse price update: non-positive price %d", j.Price)
	}
	if j.Sequence <= 0 {
		return PriceUpdate{}, fmt.Errorf("parse price update: sequence must be positive, got %d", j.Sequence)
	}
	ts := raw.Timestamp
	if j.TimestampUs > 0 {
		ts = time.UnixMicro(j.TimestampUs)
	}
	return PriceUpdate{
		Feed:      feed,
		Price:     j.Price,
		Sequence:  j.Sequence,
		Timestamp: ts,
	}, nil
}

type liquidateCommandJSON struct {
	RequestID   string   `json:"request_id"`
	Keeper      string   `json:"keeper"`
	PositionIDs []string `json:"position_ids"`
	TimestampUs int64    `json:"timestamp_us"`
}

// ParseLiquidateCommand decodes a keeper liquidation command.
func ParseLiquidateCommand(raw RawEvent) (LiquidateCommand, error) {
	var j liquidateCommandJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return LiquidateCommand{}, fmt.Errorf("parse liquidate command: %w", err)
	}
	if j.RequestID == "" {
		return LiquidateCommand{}, fmt.Errorf("parse liquidate command: missing request_id")
	}
	keeper, err := uuid.Parse(j.Keeper)
	if err != nil {
		return LiquidateCommand{}, fmt.Errorf("parse keeper: %w", err)
	}
	if len(j.PositionIDs) == 0 {
		return LiquidateCommand{}, fmt.Errorf("parse liquidate command: no position_ids")
	}
	ids := make([]uuid.UUID, 0, len(j.PositionIDs))
	for _, s := range j.PositionIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return LiquidateCommand{}, fmt.Errorf("parse position_id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	ts := raw.Timestamp
	if j.TimestampUs > 0 {
		ts = time.UnixMicro(j.TimestampUs)
	}
	return LiquidateCommand{
		RequestID:   j.RequestID,
		Keeper:      keeper,
		PositionIDs: ids,
		Timestamp:   ts,
	}, nil
}

func lastToken(subject string) string {
	for i := len(subject) - 1; i >= 0; i-- {
		if subject[i] == '.' {
			return subject[i+1:]
		}
	}
	return subject
}
