// internal/state/position.go
package state

import (
	"encoding/binary"

	"github.com/google/uuid"

	fpmath "PerpVault/internal/math"
)

// positionNamespace seeds deterministic position IDs.
var positionNamespace = uuid.MustParse("6f1c3a52-8a0e-4b47-9d7e-2f6a4e1c9b30")

// PositionKey identifies the single position an account may hold per product
// and side.
type PositionKey struct {
	Account   uuid.UUID
	ProductID uint64
	IsLong    bool
}

// ID returns the stable identifier of the position at this key.
func (k PositionKey) ID() uuid.UUID {
	buf := make([]byte, 0, 25)
	buf = append(buf, k.Account[:]...)
	buf = binary.BigEndian.AppendUint64(buf, k.ProductID)
	if k.IsLong {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return uuid.NewSHA1(positionNamespace, buf)
}

// Position is an account's leveraged exposure on one side of a product
type Position struct {
	Key       PositionKey
	ID        uuid.UUID
	Margin    int64 // collateral posted
	Leverage  int64 // 1e8 = 1x
	Price     int64 // weighted-average entry price
	Timestamp int64 // funding and profit-guard clock, unix seconds
}

// Notional returns margin * leverage / 1e8. Stored positions were sized by a
// checked open, so their notional always fits.
func (p *Position) Notional() int64 {
	n, _ := fpmath.ComputeNotional(p.Margin, p.Leverage)
	return n
}
