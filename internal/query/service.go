package query

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"PerpVault/internal/projection"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Service provides read-only access to the projection tables and the event
// log. Responses carry as_of_sequence, the projection watermark, so callers
// can tell how fresh they are.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// AccountHistory returns an account's position events, newest first. A
// positive before returns only events older than that sequence.
func (s *Service) AccountHistory(ctx context.Context, account uuid.UUID, limit int, before int64) (*HistoryPage, error) {
	limit = clampLimit(limit)
	asOf, err := s.watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := historySelect + ` WHERE account = $1`
	args := []any{account}
	if before > 0 {
		query += ` AND sequence < $2`
		args = append(args, before)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC, position_id LIMIT $%d", len(args)+1)
	args = append(args, limit)

	entries, err := s.scanHistory(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	page := &HistoryPage{Account: account, Entries: entries, AsOfSequence: asOf}
	if len(entries) == limit {
		page.NextBefore = entries[len(entries)-1].Sequence
	}
	return page, nil
}

// PositionHistory returns every event of one position, oldest first.
func (s *Service) PositionHistory(ctx context.Context, positionID uuid.UUID) ([]projection.HistoryEntry, error) {
	return s.scanHistory(ctx, historySelect+` WHERE position_id = $1 ORDER BY sequence`, positionID)
}

// JournalHistory returns journal rows debiting or crediting the account,
// newest first.
func (s *Service) JournalHistory(ctx context.Context, account uuid.UUID, limit int, before int64) ([]JournalEntry, error) {
	prefix := fmt.Sprintf("user:%s:%%", account)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{prefix}
	if before > 0 {
		query += ` AND sequence < $2`
		args = append(args, before)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC, journal_id LIMIT $%d", len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var assetID int16
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &assetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.AssetID = uint16(assetID)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the persisted event log and state tables: no
// sequence gaps, an unbroken hash chain, ledger balances summing to zero per
// asset, and a stored state hash equal to the last event's.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM event_log.events`,
	).Scan(&report.LastSequence); err != nil {
		return nil, err
	}

	gaps, err := s.scanInt64s(ctx, `
		SELECT e.sequence + 1
		FROM event_log.events e
		WHERE e.sequence < (SELECT MAX(sequence) FROM event_log.events)
		  AND NOT EXISTS (SELECT 1 FROM event_log.events n WHERE n.sequence = e.sequence + 1)
		ORDER BY 1
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}
	report.SequenceGaps = gaps

	breaks, err := s.scanInt64s(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}
	report.HashChainBreaks = breaks

	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance)
		FROM perp_state.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, fmt.Errorf("global balance: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var assetID int16
		var total int64
		if err := rows.Scan(&assetID, &total); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
			AssetID:   uint16(assetID),
			Imbalance: total,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var stored, logged []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT m.state_hash, COALESCE(e.state_hash, m.state_hash)
		FROM perp_state.exchange_meta m
		LEFT JOIN event_log.events e ON e.sequence = m.sequence
	`).Scan(&stored, &logged)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		report.StateHashMatches = report.LastSequence == 0
	case err != nil:
		return nil, fmt.Errorf("state hash: %w", err)
	default:
		report.StateHashMatches = bytes.Equal(stored, logged)
	}

	report.IsHealthy = len(report.SequenceGaps) == 0 &&
		len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedAssets) == 0 &&
		report.StateHashMatches
	return report, nil
}

// --- helpers ---

const historySelect = `
	SELECT sequence, position_id, account, product_id, event_type, is_long, price, margin,
	       leverage, pnl, fee, funding, payout, bounty, counterparty, timestamp
	FROM projections.position_history`

func (s *Service) scanHistory(ctx context.Context, query string, args ...any) ([]projection.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]projection.HistoryEntry, 0)
	for rows.Next() {
		var h projection.HistoryEntry
		var productID int64
		var counterparty uuid.NullUUID
		if err := rows.Scan(
			&h.Sequence, &h.PositionID, &h.Account, &productID, &h.EventType, &h.IsLong, &h.Price, &h.Margin,
			&h.Leverage, &h.PnL, &h.Fee, &h.Funding, &h.Payout, &h.Bounty, &counterparty, &h.Timestamp,
		); err != nil {
			return nil, err
		}
		h.ProductID = uint64(productID)
		h.Timestamp = h.Timestamp.UTC()
		if counterparty.Valid {
			id := counterparty.UUID
			h.Counterparty = &id
		}
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

func (s *Service) scanInt64s(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Service) watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'position_history'`,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
