package core

import (
	"github.com/google/uuid"

	"PerpVault/internal/event"
	"PerpVault/internal/fees"
	"PerpVault/internal/ledger"
	"PerpVault/internal/state"
	"PerpVault/internal/vault"
)

// Output is one committed event, emitted after the operation commits.
type Output struct {
	Envelope *event.EventEnvelope
	Event    event.Event
	Batch    *ledger.Batch // nil when no collateral moved
	Delta    *StateDelta   // set on the last output of an operation
}

// StateDelta lists the durable rows an operation changed, with their values
// after commit.
type StateDelta struct {
	Products         []state.Product
	Positions        []state.Position
	RemovedPositions []uuid.UUID
	Stakes           []vault.Stake
	RemovedStakes    []uuid.UUID
	Managers         []ManagerGrant
	Liquidators      []LiquidatorGrant
	Balances         map[ledger.AccountKey]int64
	Vault            vault.Vault
	Meta             Meta
}

// Meta is the exchange-wide singleton state.
type Meta struct {
	Sequence        int64 // last assigned
	StateHash       [32]byte
	Parameters      state.Parameters
	FeeSplit        fees.FeeSplit
	PendingProtocol int64
	PendingStaking  int64
	PendingVault    int64
}

type ManagerGrant struct {
	Account  uuid.UUID
	Manager  uuid.UUID
	Approved bool
}

type LiquidatorGrant struct {
	Liquidator uuid.UUID
	Allowed    bool
}
