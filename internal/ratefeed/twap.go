package ratefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/sampling"
)

// BufferStore persists sampling buffers by source ID.
type BufferStore interface {
	LoadSamplingBuffer(ctx context.Context, sourceID string) ([]byte, error)
	SaveSamplingBuffer(ctx context.Context, sourceID string, data []byte) error
}

// TWAPOptions parameterise a TWAP source.
type TWAPOptions struct {
	ID           string
	MinTickDelta uint64
	SamplingSize uint32
}

// TWAP samples an upstream source and serves the average of its window.
type TWAP struct {
	opts     TWAPOptions
	upstream Source
	store    BufferStore
	logger   zerolog.Logger

	mu     sync.Mutex
	buffer *sampling.Buffer
}

// NewTWAP builds a TWAP source over upstream. store may be nil.
func NewTWAP(opts TWAPOptions, upstream Source, store BufferStore, logger zerolog.Logger) (*TWAP, error) {
	buf, err := sampling.New(opts.MinTickDelta, opts.SamplingSize)
	if err != nil {
		return nil, fmt.Errorf("twap %s: %w", opts.ID, err)
	}
	return &TWAP{
		opts:     opts,
		upstream: upstream,
		store:    store,
		buffer:   buf,
		logger:   logger.With().Str("component", "twap_feed").Str("source", opts.ID).Logger(),
	}, nil
}

// ID implements Source.
func (t *TWAP) ID() string { return t.opts.ID }

// Restore loads a persisted window. A missing one leaves the buffer empty.
func (t *TWAP) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	raw, err := t.store.LoadSamplingBuffer(ctx, t.opts.ID)
	if err != nil {
		if errors.Is(err, errcode.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load sampling buffer %s: %w", t.opts.ID, err)
	}
	var buf sampling.Buffer
	if err := buf.UnmarshalBinary(raw); err != nil {
		return fmt.Errorf("decode sampling buffer %s: %w", t.opts.ID, err)
	}

	t.mu.Lock()
	t.buffer = &buf
	t.mu.Unlock()
	t.logger.Info().Int("samples", buf.Len()).Msg("sampling buffer restored")
	return nil
}

// Samples returns the current window.
func (t *TWAP) Samples() []sampling.Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffer.Samples()
}

// Read samples upstream and returns the TWAP with the newest sample's
// tick. A sample arriving too soon after the previous one is dropped and
// the current average is served.
func (t *TWAP) Read(ctx context.Context) (Reading, error) {
	r, err := t.upstream.Read(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("twap %s upstream %s: %w", t.opts.ID, t.upstream.ID(), err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// 在副本上追加，持久化成功后才替换当前窗口。
	next := t.buffer.Clone()
	if err := next.TryAdd(r.FairValue, r.Tick); err != nil {
		if !errors.Is(err, errcode.ErrAnotherTooRecentSample) {
			return Reading{}, err
		}
		t.logger.Debug().Uint64("tick", r.Tick).Msg("sample skipped, too recent")
		next = t.buffer
	}

	if next != t.buffer {
		if t.store != nil {
			raw, err := next.MarshalBinary()
			if err != nil {
				return Reading{}, err
			}
			if err := t.store.SaveSamplingBuffer(ctx, t.opts.ID, raw); err != nil {
				return Reading{}, fmt.Errorf("save sampling buffer %s: %w", t.opts.ID, err)
			}
		}
		t.buffer = next
	}

	avg, tick, err := t.buffer.TWAP()
	if err != nil {
		return Reading{}, err
	}
	return Reading{FairValue: avg, Tick: tick}, nil
}

var _ Source = (*TWAP)(nil)
