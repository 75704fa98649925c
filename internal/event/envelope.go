package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypePositionLiquidated
	EventTypeStaked
	EventTypeRedeemed
	EventTypeDeposited
	EventTypeWithdrawn
	EventTypeRewardDistributed
	EventTypeProductAdded
	EventTypeProductUpdated
	EventTypeVaultUpdated
	EventTypeParametersUpdated
	EventTypeFeeSplitUpdated
	EventTypeAccountManagerSet
	EventTypeLiquidatorSet
)

// EventEnvelope wraps every committed operation in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	EventID uuid.UUID

	// Event type discriminator
	EventType EventType

	// Product context (nil for global events)
	ProductID *uint64

	// Exchange clock time of the operation
	Timestamp time.Time

	// Upstream request ID, empty for direct API calls
	RequestID string

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// ProductID returns the product context (nil for global events)
	ProductID() *uint64
}

// Encode serializes an event payload for the log and the wire.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func (et EventType) String() string {
	switch et {
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypeStaked:
		return "Staked"
	case EventTypeRedeemed:
		return "Redeemed"
	case EventTypeDeposited:
		return "Deposited"
	case EventTypeWithdrawn:
		return "Withdrawn"
	case EventTypeRewardDistributed:
		return "RewardDistributed"
	case EventTypeProductAdded:
		return "ProductAdded"
	case EventTypeProductUpdated:
		return "ProductUpdated"
	case EventTypeVaultUpdated:
		return "VaultUpdated"
	case EventTypeParametersUpdated:
		return "ParametersUpdated"
	case EventTypeFeeSplitUpdated:
		return "FeeSplitUpdated"
	case EventTypeAccountManagerSet:
		return "AccountManagerSet"
	case EventTypeLiquidatorSet:
		return "LiquidatorSet"
	default:
		return "Unknown"
	}
}

// Subject returns the dotted lower-case name used in NATS subjects,
// e.g. "position_opened".
func (et EventType) Subject() string {
	name := et.String()
	out := make([]byte, 0, len(name)+4)
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			if i > 0 {
				out = append(out, '_')
			}
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func productPtr(id uint64) *uint64 {
	return &id
}
