package fixedpoint

import (
	"fmt"
	"math"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
)

// BpsDenominator is the number of basis points in 100%.
const BpsDenominator = 10_000

var bpsScale = NewFromUint64(BpsDenominator)

// ErrBpsOutOfRange is returned when a basis-point value leaves its allowed range.
var ErrBpsOutOfRange = fmt.Errorf("%w: bps value out of range", errcode.ErrInvalidInput)

// FromBps converts basis points into a fraction, 10000 -> 1.
func FromBps(bps uint32) Decimal {
	d, _ := New(int64(bps), -4)
	return d
}

// ToBps converts a fraction into basis points. The fractional part of the
// scaled value is truncated. Negative values and values beyond uint32 fail.
func ToBps(d Decimal) (uint32, error) {
	scaled, err := d.Mul(bpsScale)
	if err != nil {
		return 0, err
	}
	u, err := scaled.Uint64()
	if err != nil {
		return 0, err
	}
	if u > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s bps exceeds uint32", errcode.ErrMath, scaled.String())
	}
	return uint32(u), nil
}

// BpsRange is a basis-point value bounded by an inclusive range.
type BpsRange struct {
	value uint32
	lo    uint32
	hi    uint32
}

// NewBpsRange bounds value by [0, 10000].
func NewBpsRange(value uint32) (BpsRange, error) {
	return NewBpsRangeWithBounds(value, 0, BpsDenominator)
}

// NewBpsRangeWithBounds bounds value by [lo, hi].
func NewBpsRangeWithBounds(value, lo, hi uint32) (BpsRange, error) {
	if lo > hi {
		return BpsRange{}, fmt.Errorf("%w: empty range [%d, %d]", errcode.ErrInvalidInput, lo, hi)
	}
	r := BpsRange{lo: lo, hi: hi}
	if err := r.Set(value); err != nil {
		return BpsRange{}, err
	}
	return r, nil
}

// Set replaces the value, leaving r untouched when value is out of range.
func (r *BpsRange) Set(value uint32) error {
	if value < r.lo || value > r.hi {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrBpsOutOfRange, value, r.lo, r.hi)
	}
	r.value = value
	return nil
}

// Value returns the raw basis points.
func (r BpsRange) Value() uint32 { return r.value }

// Bounds returns the inclusive range.
func (r BpsRange) Bounds() (uint32, uint32) { return r.lo, r.hi }

// Decimal returns the value as a fraction.
func (r BpsRange) Decimal() Decimal { return FromBps(r.value) }

// Float64 returns the value as a float fraction, for display only.
func (r BpsRange) Float64() float64 { return float64(r.value) / BpsDenominator }
