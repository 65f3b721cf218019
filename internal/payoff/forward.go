package payoff

import "github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"

// forward 把 notional*(spot-strike) 从 junior 转给 senior（inverse 时除以 spot）。
func forward(old Quantities, _, newFV fixedpoint.Vector, cfg Config) (Result, error) {
	return forwardPayoff(old, newFV[0], fixedpoint.One, cfg)
}

// settledForward scales the forward payoff by the settlement price in newFV[1].
func settledForward(old Quantities, _, newFV fixedpoint.Vector, cfg Config) (Result, error) {
	return forwardPayoff(old, newFV[0], newFV[1], cfg)
}

func forwardPayoff(old Quantities, spot, settle fixedpoint.Decimal, cfg Config) (Result, error) {
	total, err := old.Total()
	if err != nil {
		return Result{}, err
	}

	// An inverse forward at zero spot wipes out the senior leg.
	if spot.IsZero() && !cfg.IsLinear && cfg.Strike.Sign() > 0 {
		return Result{NewQuantity: Quantities{0, total}}, nil
	}

	var c calc
	notional := fixedpoint.NewFromUint64(cfg.Notional)
	payoff := notional
	if !spot.IsZero() || cfg.IsLinear {
		payoff = c.mul(notional, c.sub(spot, cfg.Strike))
		if !cfg.IsLinear {
			payoff = c.div(payoff, spot)
		}
	}
	payoff = c.mul(payoff, settle)
	senior := c.add(fixedpoint.NewFromUint64(old[Senior]), payoff)
	if c.err != nil {
		return Result{}, c.err
	}
	return splitTotal(total, senior)
}
