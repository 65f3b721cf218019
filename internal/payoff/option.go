package payoff

import "github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"

// vanillaOption: junior 卖出期权，senior 持有。notional 由 junior 旧份额按旧 spot 折算。
func vanillaOption(old Quantities, oldFV, newFV fixedpoint.Vector, cfg Config) (Result, error) {
	total, err := old.Total()
	if err != nil {
		return Result{}, err
	}
	oldSpot, newSpot := oldFV[0], newFV[0]
	if oldSpot.IsZero() {
		return Result{NewQuantity: old}, nil
	}

	var c calc
	juniorOld := fixedpoint.NewFromUint64(old[Junior])
	notional := juniorOld
	if cfg.IsLinear {
		notional = c.div(juniorOld, oldSpot)
	}

	var payoff fixedpoint.Decimal
	switch {
	case newSpot.IsZero() && !cfg.IsLinear:
		if cfg.IsCall && cfg.Strike.IsZero() {
			payoff = fixedpoint.One
		}
	default:
		intrinsic := c.sub(newSpot, cfg.Strike)
		if !cfg.IsCall {
			intrinsic = c.sub(cfg.Strike, newSpot)
		}
		payoff = fixedpoint.Zero.Max(intrinsic)
		if !cfg.IsLinear {
			payoff = c.div(payoff, newSpot)
		}
	}

	value := c.mul(notional, payoff)
	if c.err != nil {
		return Result{}, c.err
	}
	return seniorCapped(total, juniorOld, value)
}

// digital pays the whole junior leg to senior when the option finishes in the money.
func digital(old Quantities, _, newFV fixedpoint.Vector, cfg Config) (Result, error) {
	total, err := old.Total()
	if err != nil {
		return Result{}, err
	}
	spot := newFV[0]
	inTheMoney := (cfg.IsCall && spot.Cmp(cfg.Strike) >= 0) || (!cfg.IsCall && spot.LessThan(cfg.Strike))

	var senior uint64
	if inTheMoney {
		senior = old[Junior]
	}
	return Result{NewQuantity: Quantities{senior, total - senior}}, nil
}
