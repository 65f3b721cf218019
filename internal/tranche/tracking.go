package tranche

import (
	"fmt"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
)

// DefaultStaleThreshold is the number of ticks a fresh value stays valid.
const DefaultStaleThreshold = 2

// Tracking records when a value was last written and how long it stays fresh.
type Tracking struct {
	LastUpdate     uint64 `json:"last_update"`
	StaleThreshold uint64 `json:"stale_threshold"`
}

// NewTracking stamps tick with the default threshold.
func NewTracking(tick uint64) Tracking {
	return Tracking{LastUpdate: tick, StaleThreshold: DefaultStaleThreshold}
}

// Elapsed returns now - LastUpdate. A clock running backwards is a math error.
func (t Tracking) Elapsed(now uint64) (uint64, error) {
	if now < t.LastUpdate {
		return 0, fmt.Errorf("%w: tick %d precedes last update %d", errcode.ErrMath, now, t.LastUpdate)
	}
	return now - t.LastUpdate, nil
}

// IsStale reports whether at least StaleThreshold ticks passed since the last update.
func (t Tracking) IsStale(now uint64) (bool, error) {
	elapsed, err := t.Elapsed(now)
	if err != nil {
		return false, err
	}
	return elapsed >= t.StaleThreshold, nil
}

// Update stamps tick.
func (t *Tracking) Update(tick uint64) {
	t.LastUpdate = tick
}
