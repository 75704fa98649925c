package ingestion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpVault/internal/errs"
	"PerpVault/internal/event"
	"PerpVault/internal/observability"
)

// PriceSink accepts oracle price updates.
type PriceSink interface {
	Update(feed string, price, sequence int64, ts time.Time) (bool, error)
}

// Liquidator applies keeper liquidation commands.
type Liquidator interface {
	KeeperLiquidate(requestID string, caller uuid.UUID, positionIDs []uuid.UUID) ([]*event.PositionLiquidated, error)
}

// KeeperSource is the dedup namespace of keeper liquidation commands.
const KeeperSource = "keeper"

// Dispatcher routes raw messages to the price store and the exchange. It is
// the only consumer of the subscriber's channel.
type Dispatcher struct {
	prices     PriceSink
	liquidator Liquidator
	dedup      *Deduplicator
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewDispatcher(prices PriceSink, liquidator Liquidator, dedup *Deduplicator, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		prices:     prices,
		liquidator: liquidator,
		dedup:      dedup,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run processes messages until ctx is done or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(raw)
		}
	}
}

// Handle processes one message and acknowledges it.
func (d *Dispatcher) Handle(raw RawEvent) {
	switch raw.Kind {
	case KindPrice:
		d.handlePrice(raw)
	case KindLiquidate:
		d.handleLiquidate(raw)
	default:
		d.logger.Warn().Str("subject", raw.Subject).Str("kind", raw.Kind).Msg("dropping message of unknown kind")
		ack(raw)
	}
}

func (d *Dispatcher) handlePrice(raw RawEvent) {
	defer ack(raw)

	pu, err := ParsePriceUpdate(raw)
	if err != nil {
		d.countPrice(lastToken(raw.Subject), "invalid")
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("invalid price update")
		return
	}
	accepted, err := d.prices.Update(pu.Feed, pu.Price, pu.Sequence, pu.Timestamp)
	switch {
	case err != nil:
		d.countPrice(pu.Feed, "invalid")
		d.logger.Warn().Err(err).Str("feed", pu.Feed).Msg("price update rejected")
	case accepted:
		d.countPrice(pu.Feed, "accepted")
	default:
		d.countPrice(pu.Feed, "stale")
	}
}

func (d *Dispatcher) handleLiquidate(raw RawEvent) {
	cmd, err := ParseLiquidateCommand(raw)
	if err != nil {
		d.countKeeper("invalid")
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("invalid keeper command")
		ack(raw)
		return
	}
	if d.dedup != nil && d.dedup.IsDuplicate(KeeperSource, cmd.RequestID) {
		d.countKeeper("duplicate")
		ack(raw)
		return
	}

	liquidated, err := d.liquidator.KeeperLiquidate(cmd.RequestID, cmd.Keeper, cmd.PositionIDs)
	if err != nil {
		kind := errs.KindOf(err)
		log := d.logger.With().Str("request_id", cmd.RequestID).Str("kind", kind.String()).Logger()
		switch kind {
		case errs.KindOracle, errs.KindInternal, errs.KindUnknown:
			// May succeed once the feed recovers.
			d.countKeeper("retry")
			log.Warn().Err(err).Msg("keeper command failed, requesting redelivery")
			nak(raw)
		default:
			d.countKeeper("rejected")
			log.Info().Err(err).Msg("keeper command rejected")
			d.markProcessed(cmd.RequestID)
			ack(raw)
		}
		return
	}

	d.countKeeper("applied")
	d.logger.Info().
		Str("request_id", cmd.RequestID).
		Str("keeper", cmd.Keeper.String()).
		Int("liquidated", len(liquidated)).
		Msg("keeper command applied")
	d.markProcessed(cmd.RequestID)
	ack(raw)
}

func (d *Dispatcher) markProcessed(requestID string) {
	if d.dedup != nil {
		d.dedup.MarkProcessed(KeeperSource, requestID)
	}
}

func (d *Dispatcher) countPrice(feed, result string) {
	if d.metrics != nil {
		d.metrics.PriceUpdates.WithLabelValues(feed, result).Inc()
	}
}

func (d *Dispatcher) countKeeper(result string) {
	if d.metrics != nil {
		d.metrics.KeeperCommands.WithLabelValues(result).Inc()
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawEvent) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}
