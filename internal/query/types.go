package query

import (
	"github.com/google/uuid"

	"PerpVault/internal/projection"
)

// HistoryPage is one page of an account's position history, newest first.
// NextBefore is the cursor for the following page, zero when exhausted.
type HistoryPage struct {
	Account      uuid.UUID                 `json:"account"`
	Entries      []projection.HistoryEntry `json:"entries"`
	NextBefore   int64                     `json:"next_before,omitempty"`
	AsOfSequence int64                     `json:"as_of_sequence"`
}

// JournalEntry is a journal row touching an account.
type JournalEntry struct {
	JournalID     uuid.UUID `json:"journal_id"`
	BatchID       uuid.UUID `json:"batch_id"`
	EventRef      string    `json:"event_ref"`
	Sequence      int64     `json:"sequence"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	AssetID       uint16    `json:"asset_id"`
	Amount        int64     `json:"amount"`
	JournalType   string    `json:"journal_type"`
	Timestamp     int64     `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	LastSequence     int64             `json:"last_sequence"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	StateHashMatches bool              `json:"state_hash_matches"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
