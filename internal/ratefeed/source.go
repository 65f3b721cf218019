// Package ratefeed 提供储备资产的公允价值来源：链上预言机、Pyth、池子比价、mock 以及 TWAP。
package ratefeed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
)

// MaxFeeds bounds the number of upstream feeds one source may aggregate.
const MaxFeeds = 10

// Reading is a fair value vector and the tick it was observed at.
type Reading struct {
	FairValue fixedpoint.Vector `json:"fair_value"`
	Tick      uint64            `json:"tick"`
}

// Source yields the current fair value of a reserve.
type Source interface {
	ID() string
	Read(ctx context.Context) (Reading, error)
}

// Clock yields the current tick. Ticks from one clock are comparable with
// the trackings stamped from it.
type Clock interface {
	Tick(ctx context.Context) (uint64, error)
	// TickAt converts the time an observation was made into a tick. Times
	// after the current tick map to the current tick.
	TickAt(ctx context.Context, t time.Time) (uint64, error)
}

// WallClock counts Resolution-sized steps since the unix epoch.
type WallClock struct {
	Resolution time.Duration
	Now        func() time.Time
}

// Tick implements Clock.
func (c WallClock) Tick(context.Context) (uint64, error) {
	return c.tickOf(c.now())
}

// TickAt implements Clock.
func (c WallClock) TickAt(_ context.Context, t time.Time) (uint64, error) {
	if now := c.now(); t.After(now) {
		t = now
	}
	return c.tickOf(t)
}

func (c WallClock) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c WallClock) tickOf(t time.Time) (uint64, error) {
	res := c.Resolution
	if res <= 0 {
		res = time.Second
	}
	ts := t.UnixNano()
	if ts < 0 {
		return 0, fmt.Errorf("%w: time %s before unix epoch", errcode.ErrMath, t.UTC().Format(time.RFC3339))
	}
	return uint64(ts / int64(res)), nil
}

// DefaultBlockTime is the block interval assumed when none is configured.
const DefaultBlockTime = 12 * time.Second

// ChainClock uses the latest block number as tick. TickAt walks back from
// the latest header by BlockTime per block.
type ChainClock struct {
	Chain     ChainReader
	BlockTime time.Duration
}

// Tick implements Clock.
func (c ChainClock) Tick(ctx context.Context) (uint64, error) {
	n, err := c.Chain.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("read block number: %w", err)
	}
	return n, nil
}

// TickAt implements Clock.
func (c ChainClock) TickAt(ctx context.Context, t time.Time) (uint64, error) {
	head, err := c.Chain.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("read latest header: %w", err)
	}
	if head.Number == nil || !head.Number.IsUint64() {
		return 0, fmt.Errorf("%w: latest header has no usable number", errcode.ErrMath)
	}
	return blockAt(head.Number.Uint64(), time.Unix(int64(head.Time), 0), t, c.BlockTime), nil
}

// blockAt estimates the block produced at t given the head block and its time.
func blockAt(head uint64, headTime, t time.Time, blockTime time.Duration) uint64 {
	if !t.Before(headTime) {
		return head
	}
	if blockTime <= 0 {
		blockTime = DefaultBlockTime
	}
	age := headTime.Sub(t)
	behind := uint64((age + blockTime - 1) / blockTime)
	if behind >= head {
		return 0
	}
	return head - behind
}

func checkFeedCount(n int) error {
	if n < 1 || n > MaxFeeds {
		return fmt.Errorf("%w: got %d, want 1..%d", errcode.ErrInvalidAggregatorsNumber, n, MaxFeeds)
	}
	return nil
}

// Registry resolves sources by ID.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds src. IDs are unique.
func (r *Registry) Register(src Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[src.ID()]; ok {
		return fmt.Errorf("%w: rate source %q already registered", errcode.ErrInvalidInput, src.ID())
	}
	r.sources[src.ID()] = src
	return nil
}

// Resolve looks up id.
func (r *Registry) Resolve(id string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("rate source %q: %w", id, errcode.ErrNotFound)
	}
	return src, nil
}

// IDs lists registered source IDs in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sources))
	for id := range r.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
