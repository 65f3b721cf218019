package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
)

// RefreshRecord is one persisted refresh attempt. Outcome is "ok" or the
// errcode of the failure; the state fields hold what was committed.
type RefreshRecord struct {
	ID                int64
	TrancheID         uuid.UUID
	Tick              uint64
	Outcome           string
	Error             *string
	DepositedQuantity [2]uint64
	Fee               uint64
	ReserveFairValue  fixedpoint.Vector
	TrancheFairValue  [2]fixedpoint.Decimal
	CreatedAt         time.Time
}

// OK reports whether the attempt committed.
func (r RefreshRecord) OK() bool { return r.Error == nil }

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID        int64
	TrancheID uuid.UUID
	Code      string
	Message   string
	Channels  []string
	CreatedAt time.Time
}
