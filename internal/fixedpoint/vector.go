package fixedpoint

import (
	"fmt"
	"strings"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
)

// VectorLen is the number of components of a fair value vector.
const VectorLen = 10

// VectorEncodedLen is the size of the binary form of a Vector.
const VectorEncodedLen = VectorLen * EncodedLen

// Vector is a multi-leg fair value. Component 0 is the primary reference
// price and unused components stay at zero.
type Vector [VectorLen]Decimal

// NewVector places values in the leading components.
func NewVector(values ...Decimal) (Vector, error) {
	var v Vector
	if len(values) > VectorLen {
		return v, fmt.Errorf("%w: fair value vector holds at most %d components, got %d", errcode.ErrInvalidInput, VectorLen, len(values))
	}
	copy(v[:], values)
	return v, nil
}

// FilledVector returns a vector with every component set to d.
func FilledVector(d Decimal) Vector {
	var v Vector
	for i := range v {
		v[i] = d
	}
	return v
}

// HasNegative reports whether any component is below zero.
func (v Vector) HasNegative() bool {
	for _, d := range v {
		if d.IsNegative() {
			return true
		}
	}
	return false
}

// Equal compares component values.
func (v Vector) Equal(o Vector) bool {
	for i := range v {
		if !v[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Add sums two vectors component-wise.
func (v Vector) Add(o Vector) (Vector, error) {
	var out Vector
	for i := range v {
		sum, err := v[i].Add(o[i])
		if err != nil {
			return Vector{}, fmt.Errorf("add component %d: %w", i, err)
		}
		out[i] = sum
	}
	return out, nil
}

// DivUint64 divides every component by n.
func (v Vector) DivUint64(n uint64) (Vector, error) {
	divisor := NewFromUint64(n)
	var out Vector
	for i := range v {
		q, err := v[i].Div(divisor)
		if err != nil {
			return Vector{}, fmt.Errorf("divide component %d: %w", i, err)
		}
		out[i] = q
	}
	return out, nil
}

// String renders the non-trailing-zero prefix, e.g. "[1.02 0.5]".
func (v Vector) String() string {
	last := 0
	for i := range v {
		if !v[i].IsZero() {
			last = i
		}
	}
	parts := make([]string, 0, last+1)
	for i := 0; i <= last; i++ {
		parts = append(parts, v[i].String())
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// MarshalBinary writes the ten 16-byte components back to back.
func (v Vector) MarshalBinary() ([]byte, error) {
	return v.AppendBinary(make([]byte, 0, VectorEncodedLen))
}

// AppendBinary appends the binary form of v to b.
func (v Vector) AppendBinary(b []byte) ([]byte, error) {
	for _, d := range v {
		raw := d.Bytes()
		b = append(b, raw[:]...)
	}
	return b, nil
}

// UnmarshalBinary decodes exactly VectorEncodedLen bytes.
func (v *Vector) UnmarshalBinary(data []byte) error {
	if len(data) != VectorEncodedLen {
		return fmt.Errorf("%w: fair value vector needs %d bytes, got %d", errcode.ErrInvalidInput, VectorEncodedLen, len(data))
	}
	var out Vector
	for i := range out {
		if err := out[i].UnmarshalBinary(data[i*EncodedLen : (i+1)*EncodedLen]); err != nil {
			return fmt.Errorf("decode component %d: %w", i, err)
		}
	}
	*v = out
	return nil
}
