package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"PerpVault/internal/core"
)

// EventLogWriter writes events, journals and state rows inside a caller's
// transaction. Events and journals use multi-row INSERTs; state rows are
// upserted one by one since an operation touches only a handful.
type EventLogWriter struct{}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence  int64
	EventID   uuid.UUID
	EventType string
	RequestID *string
	ProductID *int64
	Payload   []byte // JSON-encoded event payload
	StateHash []byte
	PrevHash  []byte
	Timestamp time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   string
	Timestamp     int64
}

// ToRows converts a core output into its event and journal rows.
func ToRows(out core.Output) (EventRow, []JournalRow) {
	env := out.Envelope
	row := EventRow{
		Sequence:  env.Sequence,
		EventID:   env.EventID,
		EventType: env.EventType.String(),
		Payload:   env.Payload,
		StateHash: append([]byte(nil), env.StateHash[:]...),
		PrevHash:  append([]byte(nil), env.PrevHash[:]...),
		Timestamp: env.Timestamp,
	}
	if env.RequestID != "" {
		id := env.RequestID
		row.RequestID = &id
	}
	if env.ProductID != nil {
		pid := int64(*env.ProductID)
		row.ProductID = &pid
	}

	if out.Batch == nil {
		return row, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID,
			BatchID:       j.BatchID,
			EventRef:      j.EventRef,
			Sequence:      env.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			AssetID:       uint16(j.AssetID),
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return row, journals
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_id, event_type, request_id, product_id, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventID, e.EventType, e.RequestID, e.ProductID,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, int16(j.AssetID), j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// ApplyDelta upserts the state rows one operation changed. Deltas must be
// applied in commit order.
func (w *EventLogWriter) ApplyDelta(ctx context.Context, tx *sql.Tx, d *core.StateDelta) error {
	seq := d.Meta.Sequence

	for _, p := range d.Products {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO perp_state.products
				(product_id, feed, max_leverage, fee_bps, liquidation_threshold_bps, min_price_change_bps,
				 min_profit_time, annual_interest_bps, weight, reserve, open_interest_long, open_interest_short,
				 is_active, updated_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (product_id) DO UPDATE SET
				feed = EXCLUDED.feed, max_leverage = EXCLUDED.max_leverage, fee_bps = EXCLUDED.fee_bps,
				liquidation_threshold_bps = EXCLUDED.liquidation_threshold_bps,
				min_price_change_bps = EXCLUDED.min_price_change_bps, min_profit_time = EXCLUDED.min_profit_time,
				annual_interest_bps = EXCLUDED.annual_interest_bps, weight = EXCLUDED.weight,
				reserve = EXCLUDED.reserve, open_interest_long = EXCLUDED.open_interest_long,
				open_interest_short = EXCLUDED.open_interest_short, is_active = EXCLUDED.is_active,
				updated_seq = EXCLUDED.updated_seq`,
			int64(p.ID), p.Feed, p.MaxLeverage, p.FeeBps, p.LiquidationThresholdBps, p.MinPriceChangeBps,
			p.MinProfitTime, p.AnnualInterestBps, p.Weight, p.Reserve, p.OpenInterestLong, p.OpenInterestShort,
			p.IsActive, seq,
		); err != nil {
			return fmt.Errorf("upsert product %d: %w", p.ID, err)
		}
	}

	for _, id := range d.RemovedPositions {
		if _, err := tx.ExecContext(ctx, `DELETE FROM perp_state.positions WHERE position_id = $1`, id); err != nil {
			return fmt.Errorf("delete position %s: %w", id, err)
		}
	}
	for _, p := range d.Positions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO perp_state.positions
				(position_id, account, product_id, is_long, margin, leverage, price, timestamp, updated_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (position_id) DO UPDATE SET
				margin = EXCLUDED.margin, leverage = EXCLUDED.leverage, price = EXCLUDED.price,
				timestamp = EXCLUDED.timestamp, updated_seq = EXCLUDED.updated_seq`,
			p.ID, p.Key.Account, int64(p.Key.ProductID), p.Key.IsLong, p.Margin, p.Leverage, p.Price, p.Timestamp, seq,
		); err != nil {
			return fmt.Errorf("upsert position %s: %w", p.ID, err)
		}
	}

	for _, account := range d.RemovedStakes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM perp_state.stakes WHERE account = $1`, account); err != nil {
			return fmt.Errorf("delete stake %s: %w", account, err)
		}
	}
	for _, s := range d.Stakes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO perp_state.stakes (account, shares, timestamp, updated_seq)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account) DO UPDATE SET
				shares = EXCLUDED.shares, timestamp = EXCLUDED.timestamp, updated_seq = EXCLUDED.updated_seq`,
			s.Account, s.Shares, s.Timestamp, seq,
		); err != nil {
			return fmt.Errorf("upsert stake %s: %w", s.Account, err)
		}
	}

	for _, g := range d.Managers {
		var err error
		if g.Approved {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO perp_state.account_managers (account, manager) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, g.Account, g.Manager)
		} else {
			_, err = tx.ExecContext(ctx, `
				DELETE FROM perp_state.account_managers WHERE account = $1 AND manager = $2`, g.Account, g.Manager)
		}
		if err != nil {
			return fmt.Errorf("account manager %s/%s: %w", g.Account, g.Manager, err)
		}
	}
	for _, g := range d.Liquidators {
		var err error
		if g.Allowed {
			_, err = tx.ExecContext(ctx, `INSERT INTO perp_state.liquidators (liquidator) VALUES ($1) ON CONFLICT DO NOTHING`, g.Liquidator)
		} else {
			_, err = tx.ExecContext(ctx, `DELETE FROM perp_state.liquidators WHERE liquidator = $1`, g.Liquidator)
		}
		if err != nil {
			return fmt.Errorf("liquidator %s: %w", g.Liquidator, err)
		}
	}

	for k, balance := range d.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO perp_state.balances (scope, entity_id, sub_type, asset_id, account_path, balance, updated_seq)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (scope, entity_id, sub_type, asset_id) DO UPDATE SET
				balance = EXCLUDED.balance, updated_seq = EXCLUDED.updated_seq`,
			int16(k.Scope), uuid.UUID(k.EntityID), int16(k.SubType), int16(k.AssetID), k.AccountPath(), balance, seq,
		); err != nil {
			return fmt.Errorf("upsert balance %s: %w", k.AccountPath(), err)
		}
	}

	v := d.Vault
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO perp_state.vaults (asset, cap, balance, total_shares, staking_period, updated_seq)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (asset) DO UPDATE SET
			cap = EXCLUDED.cap, balance = EXCLUDED.balance, total_shares = EXCLUDED.total_shares,
			staking_period = EXCLUDED.staking_period, updated_seq = EXCLUDED.updated_seq`,
		v.Asset, v.Cap, v.Balance, v.TotalShares, v.StakingPeriod, seq,
	); err != nil {
		return fmt.Errorf("upsert vault %s: %w", v.Asset, err)
	}

	return w.writeMeta(ctx, tx, d.Meta)
}

func (w *EventLogWriter) writeMeta(ctx context.Context, tx *sql.Tx, m core.Meta) error {
	params, err := json.Marshal(m.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	split, err := json.Marshal(m.FeeSplit)
	if err != nil {
		return fmt.Errorf("marshal fee split: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO perp_state.exchange_meta
			(id, sequence, state_hash, parameters, fee_split, pending_protocol, pending_staking, pending_vault, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			sequence = EXCLUDED.sequence, state_hash = EXCLUDED.state_hash, parameters = EXCLUDED.parameters,
			fee_split = EXCLUDED.fee_split, pending_protocol = EXCLUDED.pending_protocol,
			pending_staking = EXCLUDED.pending_staking, pending_vault = EXCLUDED.pending_vault,
			updated_at = EXCLUDED.updated_at`,
		m.Sequence, m.StateHash[:], string(params), string(split), m.PendingProtocol, m.PendingStaking, m.PendingVault,
	)
	if err != nil {
		return fmt.Errorf("upsert exchange meta: %w", err)
	}
	return nil
}
