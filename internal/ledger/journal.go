package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeMarginLock
	JournalTypeMarginRelease
	JournalTypeFeeProtocol
	JournalTypeFeeStaking
	JournalTypeFeeVault
	JournalTypeTraderLoss
	JournalTypeTraderProfit
	JournalTypeFunding
	JournalTypeLiquidationBounty
	JournalTypeStake
	JournalTypeRedeem
	JournalTypeRewardPayout
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeMarginLock:
		return "margin_lock"
	case JournalTypeMarginRelease:
		return "margin_release"
	case JournalTypeFeeProtocol:
		return "fee_protocol"
	case JournalTypeFeeStaking:
		return "fee_staking"
	case JournalTypeFeeVault:
		return "fee_vault"
	case JournalTypeTraderLoss:
		return "trader_loss"
	case JournalTypeTraderProfit:
		return "trader_profit"
	case JournalTypeFunding:
		return "funding"
	case JournalTypeLiquidationBounty:
		return "liquidation_bounty"
	case JournalTypeStake:
		return "stake"
	case JournalTypeRedeem:
		return "redeem"
	case JournalTypeRewardPayout:
		return "reward_payout"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Event ID of the operation that produced it
	Sequence      int64       // Global operation sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Operation time (unix seconds)
}

// Batch represents the balanced set of journal entries of one operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves a single positive amount from credit to debit, so every
// entry balances on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
