package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresRequestLookup is the durable dedup tier: a request ID is a
// duplicate once any event carrying it has been written.
type PostgresRequestLookup struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresRequestLookup(db *sql.DB) *PostgresRequestLookup {
	return &PostgresRequestLookup{db: db, timeout: 500 * time.Millisecond}
}

// IsDuplicate implements ingestion.RequestLookup. Request IDs are unique
// across sources, so source is not part of the lookup.
func (l *PostgresRequestLookup) IsDuplicate(_ string, requestID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	var exists int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM event_log.events WHERE request_id = $1 LIMIT 1`, requestID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentRequestIDs returns up to limit request IDs, oldest first, for
// warming the in-memory tier on startup.
func (l *PostgresRequestLookup) RecentRequestIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT request_id FROM (
			SELECT request_id, MAX(sequence) AS seq
			FROM event_log.events
			WHERE request_id IS NOT NULL
			GROUP BY request_id
			ORDER BY seq DESC
			LIMIT $1
		) recent ORDER BY seq ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
