// Package sampling keeps a bounded window of fair value samples and
// averages it into a time-weighted price.
package sampling

import (
	"encoding/binary"
	"fmt"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
)

// SampleLen is the encoded size of one Sample.
const SampleLen = fixedpoint.VectorEncodedLen + 8

const headerLen = 8 + 4 + 4

// Sample is one observation.
type Sample struct {
	FairValue fixedpoint.Vector `json:"fair_value"`
	Tick      uint64            `json:"tick"`
}

// Buffer holds at most MaxSize samples spaced at least MinTickDelta apart.
// It is not safe for concurrent use.
type Buffer struct {
	minTickDelta uint64
	maxSize      uint32
	samples      []Sample
}

// New returns an empty buffer.
func New(minTickDelta uint64, maxSize uint32) (*Buffer, error) {
	if maxSize == 0 {
		return nil, fmt.Errorf("%w: sampling size must be positive", errcode.ErrInvalidInput)
	}
	return &Buffer{
		minTickDelta: minTickDelta,
		maxSize:      maxSize,
		samples:      make([]Sample, 0, maxSize),
	}, nil
}

// SpaceFor is the encoded size of a buffer holding capacity samples.
func SpaceFor(capacity uint32) int {
	return headerLen + SampleLen*int(capacity)
}

// MinTickDelta returns the minimum spacing between samples.
func (b *Buffer) MinTickDelta() uint64 { return b.minTickDelta }

// MaxSize returns the capacity.
func (b *Buffer) MaxSize() uint32 { return b.maxSize }

// Len returns the number of samples held.
func (b *Buffer) Len() int { return len(b.samples) }

// Samples returns a copy of the samples in insertion order.
func (b *Buffer) Samples() []Sample {
	out := make([]Sample, len(b.samples))
	copy(out, b.samples)
	return out
}

// Clone returns an independent copy of b.
func (b *Buffer) Clone() *Buffer {
	samples := make([]Sample, len(b.samples), b.maxSize)
	copy(samples, b.samples)
	return &Buffer{minTickDelta: b.minTickDelta, maxSize: b.maxSize, samples: samples}
}

// TryAdd appends a sample, evicting the oldest one when full. It fails when
// the newest held sample is less than MinTickDelta ticks older than tick.
func (b *Buffer) TryAdd(value fixedpoint.Vector, tick uint64) error {
	if len(b.samples) > 0 {
		last := b.samples[b.mostRecentIdx()].Tick
		if tick < last {
			return fmt.Errorf("%w: tick %d precedes most recent sample %d", errcode.ErrMath, tick, last)
		}
		if tick-last < b.minTickDelta {
			return fmt.Errorf("%w: tick %d is within %d of %d", errcode.ErrAnotherTooRecentSample, tick, b.minTickDelta, last)
		}
		if len(b.samples) >= int(b.maxSize) {
			oldest := b.oldestIdx()
			b.samples = append(b.samples[:oldest], b.samples[oldest+1:]...)
		}
	}
	b.samples = append(b.samples, Sample{FairValue: value, Tick: tick})
	return nil
}

// Avg is the component-wise mean of every sample.
func (b *Buffer) Avg() (fixedpoint.Vector, error) {
	if len(b.samples) == 0 {
		return fixedpoint.Vector{}, errcode.ErrEmptySamples
	}
	var agg fixedpoint.Vector
	for _, s := range b.samples {
		sum, err := agg.Add(s.FairValue)
		if err != nil {
			return fixedpoint.Vector{}, err
		}
		agg = sum
	}
	return agg.DivUint64(uint64(len(b.samples)))
}

// TWAP returns the average and the tick of the most recent sample.
func (b *Buffer) TWAP() (fixedpoint.Vector, uint64, error) {
	avg, err := b.Avg()
	if err != nil {
		return fixedpoint.Vector{}, 0, err
	}
	return avg, b.samples[b.mostRecentIdx()].Tick, nil
}

// strict comparison: the first of equal ticks wins
func (b *Buffer) oldestIdx() int {
	idx := 0
	for i, s := range b.samples {
		if s.Tick < b.samples[idx].Tick {
			idx = i
		}
	}
	return idx
}

func (b *Buffer) mostRecentIdx() int {
	idx := 0
	for i, s := range b.samples {
		if s.Tick > b.samples[idx].Tick {
			idx = i
		}
	}
	return idx
}

// MarshalBinary encodes min_tick_delta u64 | max_size u32 | count u32 | samples.
func (b *Buffer) MarshalBinary() ([]byte, error) {
	out := make([]byte, headerLen, SpaceFor(uint32(len(b.samples))))
	binary.LittleEndian.PutUint64(out[0:8], b.minTickDelta)
	binary.LittleEndian.PutUint32(out[8:12], b.maxSize)
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(b.samples)))
	for _, s := range b.samples {
		var err error
		out, err = s.FairValue.AppendBinary(out)
		if err != nil {
			return nil, err
		}
		out = binary.LittleEndian.AppendUint64(out, s.Tick)
	}
	return out, nil
}

// UnmarshalBinary decodes the MarshalBinary layout. Trailing bytes are
// allowed so a buffer can be read from storage sized with SpaceFor.
func (b *Buffer) UnmarshalBinary(data []byte) error {
	if len(data) < headerLen {
		return fmt.Errorf("%w: sampling buffer header needs %d bytes, got %d", errcode.ErrInvalidInput, headerLen, len(data))
	}
	minTickDelta := binary.LittleEndian.Uint64(data[0:8])
	maxSize := binary.LittleEndian.Uint32(data[8:12])
	count := binary.LittleEndian.Uint32(data[12:16])
	if maxSize == 0 || count > maxSize {
		return fmt.Errorf("%w: sampling buffer holds %d of %d samples", errcode.ErrInvalidInput, count, maxSize)
	}
	if len(data) < SpaceFor(count) {
		return fmt.Errorf("%w: sampling buffer needs %d bytes, got %d", errcode.ErrInvalidInput, SpaceFor(count), len(data))
	}

	samples := make([]Sample, count, maxSize)
	off := headerLen
	for i := range samples {
		if err := samples[i].FairValue.UnmarshalBinary(data[off : off+fixedpoint.VectorEncodedLen]); err != nil {
			return fmt.Errorf("decode sample %d: %w", i, err)
		}
		off += fixedpoint.VectorEncodedLen
		samples[i].Tick = binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
	}

	b.minTickDelta = minTickDelta
	b.maxSize = maxSize
	b.samples = samples
	return nil
}
