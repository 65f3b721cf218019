// Package fixedpoint implements the checked 128-bit scaled decimal used by
// every financial computation of the ledger.
//
// A Decimal carries a sign, a scale in [0, MaxScale] and a 96-bit unsigned
// mantissa. Results that do not fit are first rounded to a smaller scale
// (banker's rounding) and rejected with errcode.ErrMath once even scale 0
// cannot hold them.
package fixedpoint

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
)

// MaxScale is the largest number of fractional digits a Decimal can hold.
const MaxScale = 28

var (
	mantissaLimit = new(big.Int).Lsh(big.NewInt(1), 96)
	maxUint64     = new(big.Int).SetUint64(^uint64(0))

	// Zero is the additive identity.
	Zero = Decimal{}
	// One is 1.
	One = NewFromUint64(1)
	// Two is 2.
	Two = NewFromUint64(2)
)

var (
	// ErrOverflow is returned when a result does not fit in 96 bits at scale 0.
	ErrOverflow = fmt.Errorf("%w: decimal overflow", errcode.ErrMath)
	// ErrDivisionByZero is returned by Div when the divisor is zero.
	ErrDivisionByZero = fmt.Errorf("%w: division by zero", errcode.ErrMath)
	// ErrNegativeSqrt is returned by Sqrt for negative operands.
	ErrNegativeSqrt = fmt.Errorf("%w: square root of a negative number", errcode.ErrMath)
)

// Decimal is an immutable checked decimal. The zero value is 0.
type Decimal struct {
	v decimal.Decimal
}

// NewFromUint64 converts an integer quantity. Every uint64 fits the mantissa.
func NewFromUint64(u uint64) Decimal {
	return Decimal{v: decimal.NewFromBigInt(new(big.Int).SetUint64(u), 0)}
}

// NewFromInt converts a signed integer.
func NewFromInt(i int64) Decimal {
	return Decimal{v: decimal.NewFromInt(i)}
}

// New builds mantissa * 10^exp.
func New(mantissa int64, exp int32) (Decimal, error) {
	return normalize(decimal.New(mantissa, exp))
}

// NewFromBigInt builds value * 10^exp.
func NewFromBigInt(value *big.Int, exp int32) (Decimal, error) {
	if value == nil {
		return Zero, nil
	}
	return normalize(decimal.NewFromBigInt(value, exp))
}

// NewFromDecimal checks a shopspring decimal against the representable range.
func NewFromDecimal(d decimal.Decimal) (Decimal, error) {
	return normalize(d)
}

// NewFromString parses a base-10 string such as "0.75" or "-12".
func NewFromString(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: parse decimal %q: %v", errcode.ErrInvalidInput, s, err)
	}
	return normalize(d)
}

// RequireFromString is NewFromString for literals known to be valid; it panics otherwise.
func RequireFromString(s string) Decimal {
	d, err := NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func normalize(d decimal.Decimal) (Decimal, error) {
	if exp := d.Exponent(); exp > 0 {
		coef := d.Coefficient()
		coef.Mul(coef, pow10(int64(exp)))
		d = decimal.NewFromBigInt(coef, 0)
	}
	if scaleOf(d) > MaxScale {
		d = d.RoundBank(MaxScale)
	}
	for {
		coef := d.Coefficient()
		if coef.CmpAbs(mantissaLimit) < 0 {
			return Decimal{v: d}, nil
		}
		scale := scaleOf(d)
		if scale == 0 {
			return Zero, ErrOverflow
		}
		d = d.RoundBank(scale - 1)
	}
}

func scaleOf(d decimal.Decimal) int32 {
	if exp := d.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}

func pow10(n int64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(n), nil)
}

// Add returns d + o.
func (d Decimal) Add(o Decimal) (Decimal, error) {
	return normalize(d.v.Add(o.v))
}

// Sub returns d - o.
func (d Decimal) Sub(o Decimal) (Decimal, error) {
	return normalize(d.v.Sub(o.v))
}

// Mul returns d * o.
func (d Decimal) Mul(o Decimal) (Decimal, error) {
	return normalize(d.v.Mul(o.v))
}

// Div returns d / o rounded to MaxScale fractional digits.
func (d Decimal) Div(o Decimal) (Decimal, error) {
	if o.v.IsZero() {
		return Zero, ErrDivisionByZero
	}
	return normalize(d.v.DivRound(o.v, MaxScale))
}

// Sqrt returns the square root of d, truncated at MaxScale digits before normalisation.
func (d Decimal) Sqrt() (Decimal, error) {
	if d.v.IsNegative() {
		return Zero, ErrNegativeSqrt
	}
	if d.v.IsZero() {
		return Zero, nil
	}
	// d = coef / 10^s, so sqrt(d) * 10^28 = sqrt(coef * 10^(56-s)).
	coef := d.v.Coefficient()
	coef.Mul(coef, pow10(int64(2*MaxScale-d.Scale())))
	root := new(big.Int).Sqrt(coef)
	return normalize(decimal.NewFromBigInt(root, -MaxScale))
}

// Floor rounds towards negative infinity.
func (d Decimal) Floor() (Decimal, error) {
	return normalize(d.v.Floor())
}

// Round rounds to the given number of fractional digits using banker's rounding.
func (d Decimal) Round(places int32) (Decimal, error) {
	if places < 0 || places > MaxScale {
		return Zero, fmt.Errorf("%w: round places %d out of range", errcode.ErrInvalidInput, places)
	}
	return normalize(d.v.RoundBank(places))
}

// Uint64 converts the integral part of d. Negative values and values above
// MaxUint64 fail with errcode.ErrMath.
func (d Decimal) Uint64() (uint64, error) {
	if d.v.IsNegative() {
		return 0, fmt.Errorf("%w: %s is negative", errcode.ErrMath, d.String())
	}
	i := d.v.Truncate(0).BigInt()
	if i.Cmp(maxUint64) > 0 {
		return 0, fmt.Errorf("%w: %s exceeds uint64", errcode.ErrMath, d.String())
	}
	return i.Uint64(), nil
}

// FloorUint64 floors d and converts it to an integer quantity.
func (d Decimal) FloorUint64() (uint64, error) {
	f, err := d.Floor()
	if err != nil {
		return 0, err
	}
	return f.Uint64()
}

// Min returns the smaller of d and o.
func (d Decimal) Min(o Decimal) Decimal {
	if d.v.Cmp(o.v) <= 0 {
		return d
	}
	return o
}

// Max returns the larger of d and o.
func (d Decimal) Max(o Decimal) Decimal {
	if d.v.Cmp(o.v) >= 0 {
		return d
	}
	return o
}

// Cmp compares d and o and returns -1, 0 or +1.
func (d Decimal) Cmp(o Decimal) int { return d.v.Cmp(o.v) }

// Equal reports whether d and o hold the same value regardless of scale.
func (d Decimal) Equal(o Decimal) bool { return d.v.Equal(o.v) }

// GreaterThan reports d > o.
func (d Decimal) GreaterThan(o Decimal) bool { return d.v.GreaterThan(o.v) }

// LessThan reports d < o.
func (d Decimal) LessThan(o Decimal) bool { return d.v.LessThan(o.v) }

// Sign returns -1, 0 or +1.
func (d Decimal) Sign() int { return d.v.Sign() }

// IsZero reports d == 0.
func (d Decimal) IsZero() bool { return d.v.IsZero() }

// IsNegative reports d < 0.
func (d Decimal) IsNegative() bool { return d.v.IsNegative() }

// Scale returns the number of fractional digits.
func (d Decimal) Scale() int32 { return scaleOf(d.v) }

// Raw exposes the underlying shopspring value for formatting and persistence.
func (d Decimal) Raw() decimal.Decimal { return d.v }

// String renders the value without exponent notation.
func (d Decimal) String() string { return d.v.String() }

// StringFixed renders the value with a fixed number of fractional digits.
func (d Decimal) StringFixed(places int32) string { return d.v.StringFixed(places) }

// InexactFloat64 is meant for charts and metrics only.
func (d Decimal) InexactFloat64() float64 { return d.v.InexactFloat64() }

// MarshalJSON encodes the value as a JSON string.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.v.String())
}

// UnmarshalJSON accepts both JSON strings and numbers.
func (d *Decimal) UnmarshalJSON(b []byte) error {
	var raw decimal.Decimal
	if err := raw.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("%w: %v", errcode.ErrInvalidInput, err)
	}
	parsed, err := normalize(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Decimal) MarshalText() ([]byte, error) {
	return []byte(d.v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decimal) UnmarshalText(b []byte) error {
	parsed, err := NewFromString(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
