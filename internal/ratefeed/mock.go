package ratefeed

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
)

// Mock is a manually driven source for tests and demos. Every component
// starts at one and only the authority may change it.
type Mock struct {
	id        string
	authority common.Address
	clock     Clock

	mu sync.RWMutex
	fv fixedpoint.Vector
}

// NewMock returns a mock source with all values at one.
func NewMock(id string, authority common.Address, clock Clock) *Mock {
	return &Mock{
		id:        id,
		authority: authority,
		clock:     clock,
		fv:        fixedpoint.FilledVector(fixedpoint.One),
	}
}

// ID implements Source.
func (m *Mock) ID() string { return m.id }

// Authority returns the address allowed to Set.
func (m *Mock) Authority() common.Address { return m.authority }

// Set replaces the fair value.
func (m *Mock) Set(caller common.Address, fv fixedpoint.Vector) error {
	if caller != m.authority {
		return fmt.Errorf("set mock fair value: %w", errcode.ErrOwnerRestrictedIx)
	}
	if fv.HasNegative() {
		return fmt.Errorf("%w: fair value must be non-negative", errcode.ErrInvalidInput)
	}
	m.mu.Lock()
	m.fv = fv
	m.mu.Unlock()
	return nil
}

// Read implements Source, stamping the current tick.
func (m *Mock) Read(ctx context.Context) (Reading, error) {
	tick, err := m.clock.Tick(ctx)
	if err != nil {
		return Reading{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Reading{FairValue: m.fv, Tick: tick}, nil
}

var _ Source = (*Mock)(nil)
