package fixedpoint

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
)

func dec(s string) Decimal { return RequireFromString(s) }

func TestArithmetic(t *testing.T) {
	sum, err := dec("0.1").Add(dec("0.2"))
	require.NoError(t, err)
	require.Equal(t, "0.3", sum.String())

	diff, err := dec("1").Sub(dec("2.5"))
	require.NoError(t, err)
	require.Equal(t, "-1.5", diff.String())

	prod, err := dec("100000").Mul(dec("0.975"))
	require.NoError(t, err)
	require.Equal(t, "97500", prod.String())

	q, err := dec("20000").Div(dec("120"))
	require.NoError(t, err)
	require.Equal(t, "166.66666666666666666666666667", q.String())
}

func TestDivisionByZero(t *testing.T) {
	_, err := One.Div(Zero)
	require.ErrorIs(t, err, ErrDivisionByZero)
	require.ErrorIs(t, err, errcode.ErrMath)
}

func TestOverflowIsReported(t *testing.T) {
	// 2^96 - 1 is the largest mantissa.
	maxMantissa := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(1))
	max, err := NewFromBigInt(maxMantissa, 0)
	require.NoError(t, err)

	_, err = max.Add(One)
	require.ErrorIs(t, err, ErrOverflow)

	_, err = max.Mul(Two)
	require.True(t, errors.Is(err, errcode.ErrMath))
}

func TestScaleIsReducedBeforeOverflow(t *testing.T) {
	// 28 fractional digits times 28 fractional digits cannot keep 56 digits.
	third, err := One.Div(NewFromUint64(3))
	require.NoError(t, err)
	sq, err := third.Mul(third)
	require.NoError(t, err)
	require.LessOrEqual(t, sq.Scale(), int32(MaxScale))
	require.Equal(t, "0.1111111111111111111111111111", sq.String())
}

func TestSqrt(t *testing.T) {
	r, err := dec("4").Sqrt()
	require.NoError(t, err)
	require.True(t, r.Equal(Two), "sqrt(4) = %s", r)

	r, err = dec("5000").Sqrt()
	require.NoError(t, err)
	require.Equal(t, "70.71067811865475244008443621", r.String())

	r, err = Zero.Sqrt()
	require.NoError(t, err)
	require.True(t, r.IsZero())

	_, err = dec("-1").Sqrt()
	require.ErrorIs(t, err, ErrNegativeSqrt)
}

func TestFloorAndRound(t *testing.T) {
	f, err := dec("100166.67").Floor()
	require.NoError(t, err)
	require.Equal(t, "100166", f.String())

	f, err = dec("-0.5").Floor()
	require.NoError(t, err)
	require.Equal(t, "-1", f.String())

	r, err := dec("2.5").Round(0)
	require.NoError(t, err)
	require.Equal(t, "2", r.String())

	r, err = dec("3.5").Round(0)
	require.NoError(t, err)
	require.Equal(t, "4", r.String())

	_, err = One.Round(29)
	require.ErrorIs(t, err, errcode.ErrInvalidInput)
}

func TestUint64Conversion(t *testing.T) {
	u, err := dec("99833.9").Uint64()
	require.NoError(t, err)
	require.Equal(t, uint64(99833), u)

	_, err = dec("-1").Uint64()
	require.ErrorIs(t, err, errcode.ErrMath)

	_, err = dec("18446744073709551616").Uint64()
	require.ErrorIs(t, err, errcode.ErrMath)

	u, err = dec("18446744073709551615").FloorUint64()
	require.NoError(t, err)
	require.Equal(t, ^uint64(0), u)
}

func TestMinMax(t *testing.T) {
	a, b := dec("1.5"), dec("2")
	require.True(t, a.Min(b).Equal(a))
	require.True(t, a.Max(b).Equal(b))
	require.True(t, Zero.Max(dec("-3")).IsZero())
}

func TestJSONRoundTrip(t *testing.T) {
	var d Decimal
	require.NoError(t, d.UnmarshalJSON([]byte(`"0.0649"`)))
	require.Equal(t, "0.0649", d.String())

	require.NoError(t, d.UnmarshalJSON([]byte(`12.5`)))
	out, err := d.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"12.5"`, string(out))
}
