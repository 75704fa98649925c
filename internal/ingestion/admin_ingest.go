package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// AdminIngest injects operator messages into the dispatcher channel, so that
// they take the same parse, dedup and apply path as NATS traffic. NATS stays
// the high-throughput surface; this one is for manual overrides.
type AdminIngest struct {
	eventChan chan<- RawEvent
	now       func() time.Time
}

func NewAdminIngest(eventChan chan<- RawEvent) *AdminIngest {
	return &AdminIngest{eventChan: eventChan, now: time.Now}
}

// InjectPrice submits a price for feed. A zero sequence uses the current
// time in microseconds.
func (s *AdminIngest) InjectPrice(ctx context.Context, feed string, price, sequence int64) error {
	if price <= 0 {
		return fmt.Errorf("price must be positive")
	}
	now := s.now()
	if sequence == 0 {
		sequence = now.UnixMicro()
	}
	data, err := json.Marshal(priceUpdateJSON{
		Feed:        feed,
		Price:       price,
		Sequence:    sequence,
		TimestampUs: now.UnixMicro(),
	})
	if err != nil {
		return err
	}
	return s.inject(ctx, RawEvent{Subject: "perp.prices." + feed, Kind: KindPrice, Data: data, Timestamp: now})
}

// InjectLiquidation submits a liquidation command on behalf of keeper and
// returns its generated request ID.
func (s *AdminIngest) InjectLiquidation(ctx context.Context, keeper uuid.UUID, positionIDs []uuid.UUID) (string, error) {
	if len(positionIDs) == 0 {
		return "", fmt.Errorf("no positions given")
	}
	now := s.now()
	requestID := "admin:" + strconv.FormatInt(now.UnixNano(), 10)
	ids := make([]string, len(positionIDs))
	for i, id := range positionIDs {
		ids[i] = id.String()
	}
	data, err := json.Marshal(liquidateCommandJSON{
		RequestID:   requestID,
		Keeper:      keeper.String(),
		PositionIDs: ids,
		TimestampUs: now.UnixMicro(),
	})
	if err != nil {
		return "", err
	}
	raw := RawEvent{Subject: "perp.keeper.liquidate.admin", Kind: KindLiquidate, Data: data, Timestamp: now}
	return requestID, s.inject(ctx, raw)
}

func (s *AdminIngest) inject(ctx context.Context, raw RawEvent) error {
	select {
	case s.eventChan <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
