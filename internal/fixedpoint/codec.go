package fixedpoint

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
)

// EncodedLen is the size of the fixed binary form of a Decimal.
const EncodedLen = 16

const (
	scaleShift = 16
	scaleMask  = 0x00FF0000
	signMask   = 0x80000000
)

// Bytes returns the fixed 16-byte form: a little-endian flags word
// (scale in bits 16-23, sign in bit 31) followed by the mantissa as
// three little-endian 32-bit words, low word first.
func (d Decimal) Bytes() [EncodedLen]byte {
	var out [EncodedLen]byte
	flags := uint32(d.Scale()) << scaleShift
	if d.v.IsNegative() {
		flags |= signMask
	}
	binary.LittleEndian.PutUint32(out[0:4], flags)

	mantissa := d.v.Coefficient()
	mantissa.Abs(mantissa)
	var word big.Int
	mask := big.NewInt(0xFFFFFFFF)
	for i := 0; i < 3; i++ {
		word.And(mantissa, mask)
		binary.LittleEndian.PutUint32(out[4+4*i:8+4*i], uint32(word.Uint64()))
		mantissa.Rsh(mantissa, 32)
	}
	return out
}

// FromBytes decodes the 16-byte form produced by Bytes.
func FromBytes(b [EncodedLen]byte) (Decimal, error) {
	flags := binary.LittleEndian.Uint32(b[0:4])
	if flags&^(scaleMask|signMask) != 0 {
		return Zero, fmt.Errorf("%w: decimal flags %#08x carry unknown bits", errcode.ErrInvalidInput, flags)
	}
	scale := int32((flags & scaleMask) >> scaleShift)
	if scale > MaxScale {
		return Zero, fmt.Errorf("%w: decimal scale %d exceeds %d", errcode.ErrInvalidInput, scale, MaxScale)
	}

	mantissa := new(big.Int)
	for i := 2; i >= 0; i-- {
		mantissa.Lsh(mantissa, 32)
		mantissa.Or(mantissa, new(big.Int).SetUint64(uint64(binary.LittleEndian.Uint32(b[4+4*i:8+4*i]))))
	}
	if flags&signMask != 0 {
		mantissa.Neg(mantissa)
	}
	return Decimal{v: decimal.NewFromBigInt(mantissa, -scale)}, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (d Decimal) MarshalBinary() ([]byte, error) {
	b := d.Bytes()
	return b[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (d *Decimal) UnmarshalBinary(data []byte) error {
	if len(data) != EncodedLen {
		return fmt.Errorf("%w: decimal needs %d bytes, got %d", errcode.ErrInvalidInput, EncodedLen, len(data))
	}
	var raw [EncodedLen]byte
	copy(raw[:], data)
	parsed, err := FromBytes(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
