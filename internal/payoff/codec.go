package payoff

import (
	"encoding/binary"
	"fmt"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
)

const (
	// RequestLen: old_quantity 2×u64 | old fair value | new fair value.
	RequestLen = 16 + 2*fixedpoint.VectorEncodedLen
	// ResponseLen: new_quantity 2×u64 | fee u64.
	ResponseLen = 24
)

// Request is the input of one payoff call.
type Request struct {
	OldQuantity         Quantities
	OldReserveFairValue fixedpoint.Vector
	NewReserveFairValue fixedpoint.Vector
}

// EncodeRequest writes req in its fixed little-endian layout.
func EncodeRequest(req Request) ([]byte, error) {
	out := make([]byte, 16, RequestLen)
	binary.LittleEndian.PutUint64(out[0:8], req.OldQuantity[Senior])
	binary.LittleEndian.PutUint64(out[8:16], req.OldQuantity[Junior])
	out, err := req.OldReserveFairValue.AppendBinary(out)
	if err != nil {
		return nil, err
	}
	return req.NewReserveFairValue.AppendBinary(out)
}

// DecodeRequest parses exactly RequestLen bytes.
func DecodeRequest(data []byte) (Request, error) {
	if len(data) != RequestLen {
		return Request{}, fmt.Errorf("%w: payoff request needs %d bytes, got %d", errcode.ErrInvalidInput, RequestLen, len(data))
	}
	var req Request
	req.OldQuantity[Senior] = binary.LittleEndian.Uint64(data[0:8])
	req.OldQuantity[Junior] = binary.LittleEndian.Uint64(data[8:16])
	off := 16
	if err := req.OldReserveFairValue.UnmarshalBinary(data[off : off+fixedpoint.VectorEncodedLen]); err != nil {
		return Request{}, fmt.Errorf("decode old fair value: %w", err)
	}
	off += fixedpoint.VectorEncodedLen
	if err := req.NewReserveFairValue.UnmarshalBinary(data[off:]); err != nil {
		return Request{}, fmt.Errorf("decode new fair value: %w", err)
	}
	return req, nil
}

// EncodeResponse writes res as three little-endian u64 words.
func EncodeResponse(res Result) []byte {
	out := make([]byte, ResponseLen)
	binary.LittleEndian.PutUint64(out[0:8], res.NewQuantity[Senior])
	binary.LittleEndian.PutUint64(out[8:16], res.NewQuantity[Junior])
	binary.LittleEndian.PutUint64(out[16:24], res.FeeQuantity)
	return out
}

// DecodeResponse parses exactly ResponseLen bytes.
func DecodeResponse(data []byte) (Result, error) {
	if len(data) != ResponseLen {
		return Result{}, fmt.Errorf("%w: payoff response needs %d bytes, got %d", errcode.ErrPluginCall, ResponseLen, len(data))
	}
	return Result{
		NewQuantity: Quantities{
			binary.LittleEndian.Uint64(data[0:8]),
			binary.LittleEndian.Uint64(data[8:16]),
		},
		FeeQuantity: binary.LittleEndian.Uint64(data[16:24]),
	}, nil
}
