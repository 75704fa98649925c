package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
)

const (
	workerID        = "position_history"
	defaultPageSize = 500
)

// HistoryWorker maintains projections.position_history from committed
// events. It listens to the live publish feed and drops on a full buffer;
// anything it misses is replayed from the event log, so the table can always
// be rebuilt.
//
// The watermark is the highest sequence with every earlier event projected.
// Rows are inserted idempotently, so replaying past the watermark is safe.
type HistoryWorker struct {
	db        *sql.DB
	inputChan chan ingestion.OutboundMessage
	interval  time.Duration
	pageSize  int
	metrics   *observability.Metrics
	logger    zerolog.Logger

	// Owned by the Run goroutine.
	watermark int64
	seen      int64
	loaded    bool
}

func NewHistoryWorker(db *sql.DB, buffer int, interval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *HistoryWorker {
	if buffer <= 0 {
		buffer = 1
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HistoryWorker{
		db:        db,
		inputChan: make(chan ingestion.OutboundMessage, buffer),
		interval:  interval,
		pageSize:  defaultPageSize,
		metrics:   metrics,
		logger:    logger,
	}
}

// Broadcast queues a live event without blocking.
func (w *HistoryWorker) Broadcast(msg ingestion.OutboundMessage) {
	select {
	case w.inputChan <- msg:
	default:
		if w.metrics != nil {
			w.metrics.ProjectionDrops.Inc()
		}
	}
}

// Run catches up from the event log, then applies live events until ctx is
// done. Gaps left by dropped events are filled on the next tick.
func (w *HistoryWorker) Run(ctx context.Context) error {
	if err := w.loadWatermark(ctx); err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	if _, err := w.CatchUp(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn().Err(err).Msg("initial catch-up failed")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-w.inputChan:
			if msg.Sequence > w.seen {
				w.seen = msg.Sequence
			}
			rec := Record{
				Sequence:  msg.Sequence,
				EventType: msg.EventType,
				Payload:   msg.Payload,
				Timestamp: msg.Timestamp,
			}
			if err := w.apply(ctx, rec, "live"); err != nil {
				// Continue: the next catch-up replays it from the event log.
				w.logger.Warn().Err(err).Int64("sequence", msg.Sequence).Msg("projection update failed")
			}

		case <-ticker.C:
			if w.watermark >= w.seen {
				continue
			}
			n, err := w.CatchUp(ctx)
			if err != nil {
				w.logger.Warn().Err(err).Msg("projection catch-up failed")
				continue
			}
			w.logger.Debug().Int("events", n).Int64("watermark", w.watermark).Msg("projection caught up")
		}
	}
}

// CatchUp replays persisted events after the watermark and returns how many
// it read. It must not run concurrently with Run.
func (w *HistoryWorker) CatchUp(ctx context.Context) (int, error) {
	if !w.loaded {
		if err := w.loadWatermark(ctx); err != nil {
			return 0, fmt.Errorf("load watermark: %w", err)
		}
	}
	total := 0
	for {
		start := w.watermark
		page, err := w.readPage(ctx, start)
		if err != nil {
			return total, err
		}
		for _, rec := range page {
			if err := w.apply(ctx, rec, "replay"); err != nil {
				return total, err
			}
		}
		total += len(page)
		if len(page) < w.pageSize {
			return total, nil
		}
		if w.watermark == start {
			return total, fmt.Errorf("event log gap after seq=%d", start)
		}
	}
}

// Rebuild truncates the projection and replays the whole event log. It must
// not run concurrently with Run.
func (w *HistoryWorker) Rebuild(ctx context.Context) (int, error) {
	for _, stmt := range []string{
		`TRUNCATE projections.position_history`,
		`DELETE FROM projections.watermark WHERE worker_id = '` + workerID + `'`,
	} {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}
	w.watermark = 0
	w.loaded = true
	n, err := w.CatchUp(ctx)
	if err != nil {
		return n, err
	}
	w.logger.Info().Int("events", n).Int64("watermark", w.watermark).Msg("projection rebuild complete")
	return n, nil
}

// Watermark returns the highest contiguous projected sequence. Not safe to
// call while Run is active.
func (w *HistoryWorker) Watermark() int64 {
	return w.watermark
}

func (w *HistoryWorker) apply(ctx context.Context, rec Record, source string) error {
	if rec.Sequence <= w.watermark {
		return nil
	}
	entries, err := HistoryEntries(rec)
	if err != nil {
		// Undecodable payloads are skipped so the watermark can advance.
		w.logger.Error().Err(err).Msg("skipping malformed event")
		entries = nil
	}
	contiguous := rec.Sequence == w.watermark+1
	if len(entries) == 0 && !contiguous {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, h := range entries {
		if err := insertEntry(ctx, tx, h); err != nil {
			return fmt.Errorf("history insert at seq=%d: %w", rec.Sequence, err)
		}
	}
	if contiguous {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
		`, workerID, rec.Sequence); err != nil {
			return fmt.Errorf("watermark update: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if contiguous {
		w.watermark = rec.Sequence
	}
	if w.metrics != nil {
		w.metrics.ProjectionRows.WithLabelValues(source).Add(float64(len(entries)))
		w.metrics.ProjectionWatermark.Set(float64(w.watermark))
	}
	return nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, h HistoryEntry) error {
	var counterparty any
	if h.Counterparty != nil {
		counterparty = *h.Counterparty
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.position_history
			(sequence, position_id, account, product_id, event_type, is_long, price, margin,
			 leverage, pnl, fee, funding, payout, bounty, counterparty, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (sequence, position_id) DO NOTHING
	`, h.Sequence, h.PositionID, h.Account, int64(h.ProductID), h.EventType, h.IsLong, h.Price, h.Margin,
		h.Leverage, h.PnL, h.Fee, h.Funding, h.Payout, h.Bounty, counterparty, h.Timestamp)
	return err
}

func (w *HistoryWorker) readPage(ctx context.Context, after int64) ([]Record, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, event_type, payload, timestamp
		FROM event_log.events
		WHERE sequence > $1
		ORDER BY sequence
		LIMIT $2
	`, after, w.pageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Sequence, &rec.EventType, &rec.Payload, &rec.Timestamp); err != nil {
			return nil, err
		}
		page = append(page, rec)
	}
	return page, rows.Err()
}

func (w *HistoryWorker) loadWatermark(ctx context.Context) error {
	var seq int64
	err := w.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		seq = 0
	} else if err != nil {
		return err
	}
	w.watermark = seq
	w.loaded = true
	if seq > w.seen {
		w.seen = seq
	}
	return nil
}
