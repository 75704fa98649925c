package event

import (
	"github.com/google/uuid"
)

type Staked struct {
	Account uuid.UUID `json:"account"`
	Amount  int64     `json:"amount"`
	Shares  int64     `json:"shares"`
}

func (e *Staked) EventType() EventType { return EventTypeStaked }
func (e *Staked) ProductID() *uint64   { return nil }

type Redeemed struct {
	Account uuid.UUID `json:"account"`
	Shares  int64     `json:"shares"`
	Amount  int64     `json:"amount"`
}

func (e *Redeemed) EventType() EventType { return EventTypeRedeemed }
func (e *Redeemed) ProductID() *uint64   { return nil }

type VaultUpdated struct {
	Cap           int64 `json:"cap"`
	StakingPeriod int64 `json:"staking_period"`
}

func (e *VaultUpdated) EventType() EventType { return EventTypeVaultUpdated }
func (e *VaultUpdated) ProductID() *uint64   { return nil }

// Deposited records collateral entering an account wallet.
type Deposited struct {
	Account uuid.UUID `json:"account"`
	Amount  int64     `json:"amount"`
}

func (e *Deposited) EventType() EventType { return EventTypeDeposited }
func (e *Deposited) ProductID() *uint64   { return nil }

// Withdrawn records collateral leaving an account wallet.
type Withdrawn struct {
	Account uuid.UUID `json:"account"`
	Amount  int64     `json:"amount"`
}

func (e *Withdrawn) EventType() EventType { return EventTypeWithdrawn }
func (e *Withdrawn) ProductID() *uint64   { return nil }

// Reward buckets
const (
	RewardProtocol = "protocol"
	RewardStaking  = "staking"
	RewardVault    = "vault"
)

// RewardDistributed records a pending bucket being paid out or, for the
// vault bucket, reported to its distributor.
type RewardDistributed struct {
	Bucket      string    `json:"bucket"`
	Distributor uuid.UUID `json:"distributor"`
	Amount      int64     `json:"amount"`
}

func (e *RewardDistributed) EventType() EventType { return EventTypeRewardDistributed }
func (e *RewardDistributed) ProductID() *uint64   { return nil }
