package tranche

import (
	"encoding/binary"
	"fmt"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
	"github.com/vyper-protocol/vyper-core-sub000/internal/payoff"
)

// DataLen is the size of the binary form of Data. The last four bytes are reserved.
const DataLen = 256

// ReserveFairValue is the last price of the deposited reserve.
type ReserveFairValue struct {
	Value    fixedpoint.Vector `json:"value"`
	Tracking Tracking          `json:"tracking"`
}

// TrancheFairValue is the reserve quantity backing one unit of each tranche token.
type TrancheFairValue struct {
	Value    [2]fixedpoint.Decimal `json:"value"`
	Tracking Tracking              `json:"tracking"`
}

// Data 是 tranche 的会计状态：存入数量、待收费用、公允价值和开关。
type Data struct {
	DepositedQuantity payoff.Quantities      `json:"deposited_quantity"`
	FeeToCollect      uint64                 `json:"fee_to_collect"`
	ReserveFairValue  ReserveFairValue       `json:"reserve_fair_value"`
	TrancheFairValue  TrancheFairValue       `json:"tranche_fair_value"`
	HaltFlags         HaltFlags              `json:"halt_flags"`
	OwnerRestricted   OwnerRestrictedIxFlags `json:"owner_restricted_ixs"`
}

// NewData sets every fair value to one and stamps both trackings with tick.
func NewData(tick uint64) Data {
	return Data{
		ReserveFairValue: ReserveFairValue{
			Value:    fixedpoint.FilledVector(fixedpoint.One),
			Tracking: NewTracking(tick),
		},
		TrancheFairValue: TrancheFairValue{
			Value:    [2]fixedpoint.Decimal{fixedpoint.One, fixedpoint.One},
			Tracking: NewTracking(tick),
		},
	}
}

// SetHaltFlags validates and stores raw halt bits.
func (d *Data) SetHaltFlags(bits uint16) error {
	f, err := ParseHaltFlags(bits)
	if err != nil {
		return err
	}
	d.HaltFlags = f
	return nil
}

// SetOwnerRestricted validates and stores raw owner restricted bits.
func (d *Data) SetOwnerRestricted(bits uint16) error {
	f, err := ParseOwnerRestrictedIxFlags(bits)
	if err != nil {
		return err
	}
	d.OwnerRestricted = f
	return nil
}

// MarshalBinary writes the fixed layout:
// quantities 2×u64 | fee u64 | reserve vector | reserve tracking 2×u64 |
// tranche values 2×16 | tranche tracking 2×u64 | halt u16 | restricted u16 | reserved.
func (d Data) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, DataLen)
	out = binary.LittleEndian.AppendUint64(out, d.DepositedQuantity[payoff.Senior])
	out = binary.LittleEndian.AppendUint64(out, d.DepositedQuantity[payoff.Junior])
	out = binary.LittleEndian.AppendUint64(out, d.FeeToCollect)

	out, err := d.ReserveFairValue.Value.AppendBinary(out)
	if err != nil {
		return nil, err
	}
	out = appendTracking(out, d.ReserveFairValue.Tracking)

	for _, v := range d.TrancheFairValue.Value {
		raw := v.Bytes()
		out = append(out, raw[:]...)
	}
	out = appendTracking(out, d.TrancheFairValue.Tracking)

	out = binary.LittleEndian.AppendUint16(out, uint16(d.HaltFlags))
	out = binary.LittleEndian.AppendUint16(out, uint16(d.OwnerRestricted))
	return append(out, make([]byte, DataLen-len(out))...), nil
}

// UnmarshalBinary decodes exactly DataLen bytes and validates the flags.
func (d *Data) UnmarshalBinary(data []byte) error {
	if len(data) != DataLen {
		return fmt.Errorf("%w: tranche data needs %d bytes, got %d", errcode.ErrInvalidInput, DataLen, len(data))
	}
	var out Data
	out.DepositedQuantity[payoff.Senior] = binary.LittleEndian.Uint64(data[0:8])
	out.DepositedQuantity[payoff.Junior] = binary.LittleEndian.Uint64(data[8:16])
	out.FeeToCollect = binary.LittleEndian.Uint64(data[16:24])
	off := 24

	if err := out.ReserveFairValue.Value.UnmarshalBinary(data[off : off+fixedpoint.VectorEncodedLen]); err != nil {
		return fmt.Errorf("decode reserve fair value: %w", err)
	}
	off += fixedpoint.VectorEncodedLen
	out.ReserveFairValue.Tracking, off = readTracking(data, off)

	for i := range out.TrancheFairValue.Value {
		if err := out.TrancheFairValue.Value[i].UnmarshalBinary(data[off : off+fixedpoint.EncodedLen]); err != nil {
			return fmt.Errorf("decode tranche fair value %d: %w", i, err)
		}
		off += fixedpoint.EncodedLen
	}
	out.TrancheFairValue.Tracking, off = readTracking(data, off)

	if err := out.SetHaltFlags(binary.LittleEndian.Uint16(data[off : off+2])); err != nil {
		return err
	}
	if err := out.SetOwnerRestricted(binary.LittleEndian.Uint16(data[off+2 : off+4])); err != nil {
		return err
	}
	*d = out
	return nil
}

func appendTracking(b []byte, t Tracking) []byte {
	b = binary.LittleEndian.AppendUint64(b, t.LastUpdate)
	return binary.LittleEndian.AppendUint64(b, t.StaleThreshold)
}

func readTracking(data []byte, off int) (Tracking, int) {
	return Tracking{
		LastUpdate:     binary.LittleEndian.Uint64(data[off : off+8]),
		StaleThreshold: binary.LittleEndian.Uint64(data[off+8 : off+16]),
	}, off + 16
}
