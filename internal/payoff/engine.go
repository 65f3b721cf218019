// Package payoff 实现 senior/junior 两档份额的再分配公式 (redeem logic)。
//
// 每个变体都是无状态函数：给定旧份额、旧/新公允价值和配置，返回新份额与费用，
// 并保证 sum(old) == sum(new) + fee。
package payoff

import (
	"fmt"
	"math/bits"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
)

// Quantities holds the senior claim at index 0 and the junior claim at index 1.
type Quantities [2]uint64

// Senior index and junior index.
const (
	Senior = 0
	Junior = 1
)

// Total is the checked sum of both legs.
func (q Quantities) Total() (uint64, error) {
	sum, carry := bits.Add64(q[Senior], q[Junior], 0)
	if carry != 0 {
		return 0, fmt.Errorf("%w: quantity sum overflows u64", errcode.ErrMath)
	}
	return sum, nil
}

// Result is the outcome of one payoff evaluation.
type Result struct {
	NewQuantity Quantities `json:"new_quantity"`
	FeeQuantity uint64     `json:"fee_quantity"`
}

// Conserves reports whether r redistributes exactly total.
func (r Result) Conserves(total uint64) bool {
	sum, carry := bits.Add64(r.NewQuantity[Senior], r.NewQuantity[Junior], 0)
	if carry != 0 {
		return false
	}
	sum, carry = bits.Add64(sum, r.FeeQuantity, 0)
	return carry == 0 && sum == total
}

type variantFunc func(old Quantities, oldFV, newFV fixedpoint.Vector, cfg Config) (Result, error)

var variants = map[Kind]variantFunc{
	KindForward:        forward,
	KindSettledForward: settledForward,
	KindVanillaOption:  vanillaOption,
	KindDigital:        digital,
	KindLending:        lending,
	KindLendingFee:     lendingFee,
	KindFarming:        farming,
	KindFila:           fila,
}

// Execute evaluates the variant selected by cfg.
func Execute(old Quantities, oldFV, newFV fixedpoint.Vector, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if oldFV.HasNegative() || newFV.HasNegative() {
		return Result{}, fmt.Errorf("%w: fair values must be non-negative", errcode.ErrInvalidInput)
	}
	total, err := old.Total()
	if err != nil {
		return Result{}, err
	}

	res, err := variants[cfg.Kind](old, oldFV, newFV, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("execute %s: %w", cfg.Kind, err)
	}
	if !res.Conserves(total) {
		return Result{}, fmt.Errorf("%w: %s result %v+%d does not sum to %d", errcode.ErrMath, cfg.Kind, res.NewQuantity, res.FeeQuantity, total)
	}
	return res, nil
}

// splitTotal clamps the unrounded senior value into [0, total], gives the
// rest to junior, floors both and books the rounding residual as fee.
func splitTotal(total uint64, senior fixedpoint.Decimal) (Result, error) {
	totalDec := fixedpoint.NewFromUint64(total)
	senior = totalDec.Min(fixedpoint.Zero.Max(senior))
	junior, err := totalDec.Sub(senior)
	if err != nil {
		return Result{}, err
	}
	junior = fixedpoint.Zero.Max(junior)

	s, err := senior.FloorUint64()
	if err != nil {
		return Result{}, err
	}
	j, err := junior.FloorUint64()
	if err != nil {
		return Result{}, err
	}
	return Result{NewQuantity: Quantities{s, j}, FeeQuantity: total - s - j}, nil
}

// seniorCapped gives senior min(cap, value) floored and junior the rest, without fee.
func seniorCapped(total uint64, limit, value fixedpoint.Decimal) (Result, error) {
	s, err := limit.Min(fixedpoint.Zero.Max(value)).FloorUint64()
	if err != nil {
		return Result{}, err
	}
	if s > total {
		return Result{}, fmt.Errorf("%w: senior %d exceeds total %d", errcode.ErrMath, s, total)
	}
	return Result{NewQuantity: Quantities{s, total - s}}, nil
}

// calc chains checked decimal operations and keeps the first error.
type calc struct {
	err error
}

func (c *calc) add(a, b fixedpoint.Decimal) fixedpoint.Decimal {
	return c.apply(a.Add, b)
}

func (c *calc) sub(a, b fixedpoint.Decimal) fixedpoint.Decimal {
	return c.apply(a.Sub, b)
}

func (c *calc) mul(a, b fixedpoint.Decimal) fixedpoint.Decimal {
	return c.apply(a.Mul, b)
}

func (c *calc) div(a, b fixedpoint.Decimal) fixedpoint.Decimal {
	return c.apply(a.Div, b)
}

func (c *calc) sqrt(a fixedpoint.Decimal) fixedpoint.Decimal {
	if c.err != nil {
		return fixedpoint.Zero
	}
	r, err := a.Sqrt()
	if err != nil {
		c.err = err
		return fixedpoint.Zero
	}
	return r
}

func (c *calc) apply(op func(fixedpoint.Decimal) (fixedpoint.Decimal, error), b fixedpoint.Decimal) fixedpoint.Decimal {
	if c.err != nil {
		return fixedpoint.Zero
	}
	r, err := op(b)
	if err != nil {
		c.err = err
		return fixedpoint.Zero
	}
	return r
}
