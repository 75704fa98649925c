package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"PerpVault/internal/core"
	"PerpVault/internal/ledger"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
)

// StateLoader reads the durable state tables back into a core.State for
// Exchange.Restore, and serves event log reads.
type StateLoader struct {
	db *sql.DB
}

func NewStateLoader(db *sql.DB) *StateLoader {
	return &StateLoader{db: db}
}

// Load reads the full state in one repeatable-read transaction. It returns
// nil when the exchange has never committed an operation.
func (l *StateLoader) Load(ctx context.Context, asset string) (*core.State, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin load: %w", err)
	}
	defer tx.Rollback()

	s := &core.State{Balances: make(map[ledger.AccountKey]int64)}

	found, err := loadMeta(ctx, tx, &s.Meta)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	if err := loadProducts(ctx, tx, s); err != nil {
		return nil, err
	}
	if err := loadPositions(ctx, tx, s); err != nil {
		return nil, err
	}
	if err := loadVault(ctx, tx, asset, s); err != nil {
		return nil, err
	}
	if err := loadStakes(ctx, tx, s); err != nil {
		return nil, err
	}
	if err := loadBalances(ctx, tx, s); err != nil {
		return nil, err
	}
	if err := loadGrants(ctx, tx, s); err != nil {
		return nil, err
	}
	return s, tx.Commit()
}

func loadMeta(ctx context.Context, tx *sql.Tx, m *core.Meta) (bool, error) {
	var (
		hash          []byte
		params, split []byte
	)
	err := tx.QueryRowContext(ctx, `
		SELECT sequence, state_hash, parameters, fee_split, pending_protocol, pending_staking, pending_vault
		FROM perp_state.exchange_meta WHERE id = 1
	`).Scan(&m.Sequence, &hash, &params, &split, &m.PendingProtocol, &m.PendingStaking, &m.PendingVault)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load exchange meta: %w", err)
	}
	if len(hash) != len(m.StateHash) {
		return false, fmt.Errorf("load exchange meta: state hash has %d bytes", len(hash))
	}
	copy(m.StateHash[:], hash)
	// Fields added after a row was written keep their defaults.
	m.Parameters = state.DefaultParameters()
	if err := json.Unmarshal(params, &m.Parameters); err != nil {
		return false, fmt.Errorf("decode parameters: %w", err)
	}
	if err := json.Unmarshal(split, &m.FeeSplit); err != nil {
		return false, fmt.Errorf("decode fee split: %w", err)
	}
	return true, nil
}

func loadProducts(ctx context.Context, tx *sql.Tx, s *core.State) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, feed, max_leverage, fee_bps, liquidation_threshold_bps, min_price_change_bps,
		       min_profit_time, annual_interest_bps, weight, reserve, open_interest_long, open_interest_short, is_active
		FROM perp_state.products ORDER BY product_id
	`)
	if err != nil {
		return fmt.Errorf("load products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p  state.Product
			id int64
		)
		if err := rows.Scan(&id, &p.Feed, &p.MaxLeverage, &p.FeeBps, &p.LiquidationThresholdBps, &p.MinPriceChangeBps,
			&p.MinProfitTime, &p.AnnualInterestBps, &p.Weight, &p.Reserve, &p.OpenInterestLong, &p.OpenInterestShort, &p.IsActive); err != nil {
			return fmt.Errorf("scan product: %w", err)
		}
		p.ID = uint64(id)
		s.Products = append(s.Products, p)
	}
	return rows.Err()
}

func loadPositions(ctx context.Context, tx *sql.Tx, s *core.State) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT position_id, account, product_id, is_long, margin, leverage, price, timestamp
		FROM perp_state.positions
	`)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p         state.Position
			productID int64
		)
		if err := rows.Scan(&p.ID, &p.Key.Account, &productID, &p.Key.IsLong, &p.Margin, &p.Leverage, &p.Price, &p.Timestamp); err != nil {
			return fmt.Errorf("scan position: %w", err)
		}
		p.Key.ProductID = uint64(productID)
		if p.ID != p.Key.ID() {
			return fmt.Errorf("position %s does not match its key", p.ID)
		}
		s.Positions = append(s.Positions, p)
	}
	return rows.Err()
}

func loadVault(ctx context.Context, tx *sql.Tx, asset string, s *core.State) error {
	s.Vault.Asset = asset
	err := tx.QueryRowContext(ctx, `
		SELECT cap, balance, total_shares, staking_period FROM perp_state.vaults WHERE asset = $1
	`, asset).Scan(&s.Vault.Cap, &s.Vault.Balance, &s.Vault.TotalShares, &s.Vault.StakingPeriod)
	if err != nil {
		return fmt.Errorf("load vault %s: %w", asset, err)
	}
	return nil
}

func loadStakes(ctx context.Context, tx *sql.Tx, s *core.State) error {
	rows, err := tx.QueryContext(ctx, `SELECT account, shares, timestamp FROM perp_state.stakes`)
	if err != nil {
		return fmt.Errorf("load stakes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st vault.Stake
		if err := rows.Scan(&st.Account, &st.Shares, &st.Timestamp); err != nil {
			return fmt.Errorf("scan stake: %w", err)
		}
		s.Stakes = append(s.Stakes, st)
	}
	return rows.Err()
}

func loadBalances(ctx context.Context, tx *sql.Tx, s *core.State) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT scope, entity_id, sub_type, asset_id, balance FROM perp_state.balances WHERE balance <> 0
	`)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			scope, subType, assetID int16
			entity                  uuid.UUID
			balance                 int64
		)
		if err := rows.Scan(&scope, &entity, &subType, &assetID, &balance); err != nil {
			return fmt.Errorf("scan balance: %w", err)
		}
		key := ledger.AccountKey{
			Scope:    ledger.AccountScope(scope),
			EntityID: entity,
			SubType:  ledger.AccountSubType(subType),
			AssetID:  ledger.AssetID(assetID),
		}
		s.Balances[key] = balance
	}
	return rows.Err()
}

func loadGrants(ctx context.Context, tx *sql.Tx, s *core.State) error {
	rows, err := tx.QueryContext(ctx, `SELECT account, manager FROM perp_state.account_managers`)
	if err != nil {
		return fmt.Errorf("load account managers: %w", err)
	}
	for rows.Next() {
		g := core.ManagerGrant{Approved: true}
		if err := rows.Scan(&g.Account, &g.Manager); err != nil {
			rows.Close()
			return fmt.Errorf("scan account manager: %w", err)
		}
		s.Managers = append(s.Managers, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = tx.QueryContext(ctx, `SELECT liquidator FROM perp_state.liquidators`)
	if err != nil {
		return fmt.Errorf("load liquidators: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan liquidator: %w", err)
		}
		s.Liquidators = append(s.Liquidators, id)
	}
	return rows.Err()
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (l *StateLoader) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, request_id, product_id, payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e         EventRow
			requestID sql.NullString
			productID sql.NullInt64
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventID, &e.EventType, &requestID, &productID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if requestID.Valid {
			e.RequestID = &requestID.String
		}
		if productID.Valid {
			e.ProductID = &productID.Int64
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// LatestSequence returns the highest sequence in the event log.
func (l *StateLoader) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := l.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}

// LoadTradedVolume sums the notional of every open and close per account,
// each trade floored to margin * leverage / 1e8 as the exchange records it.
// Liquidations are not trader volume.
func (l *StateLoader) LoadTradedVolume(ctx context.Context) (map[uuid.UUID]int64, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT payload->>'account',
		       SUM(div((payload->>'margin')::numeric * (payload->>'leverage')::numeric, 100000000))::bigint
		FROM event_log.events
		WHERE event_type IN ('PositionOpened', 'PositionClosed')
		GROUP BY payload->>'account'
	`)
	if err != nil {
		return nil, fmt.Errorf("load traded volume: %w", err)
	}
	defer rows.Close()

	volumes := make(map[uuid.UUID]int64)
	for rows.Next() {
		var (
			account uuid.UUID
			volume  int64
		)
		if err := rows.Scan(&account, &volume); err != nil {
			return nil, fmt.Errorf("scan traded volume: %w", err)
		}
		volumes[account] = volume
	}
	return volumes, rows.Err()
}
