package payoff

import "github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"

var half = fixedpoint.RequireFromString("0.5")

// farming 针对 50/50 LP 仓位：fv[0] 为 LP 价格，fv[1] 为标的价格。
// senior 拿到无收益基线（含无常损失保护），超出基线的累计收益按 interest split 分给 junior。
func farming(old Quantities, oldFV, newFV fixedpoint.Vector, cfg Config) (Result, error) {
	total, err := old.Total()
	if err != nil {
		return Result{}, err
	}
	oldLP, oldUL := oldFV[0], oldFV[1]
	newLP, newUL := newFV[0], newFV[1]
	if oldLP.IsZero() || oldUL.IsZero() || newLP.IsZero() || newUL.IsZero() {
		return Result{NewQuantity: Quantities{total, 0}}, nil
	}

	var c calc
	// half of the LP is quoted in the underlying
	lpDelta := c.div(c.mul(c.mul(c.sub(newUL, oldUL), oldLP), half), oldUL)
	impermanentLoss := c.sub(c.sub(c.mul(fixedpoint.Two, c.sqrt(c.mul(oldUL, newUL))), oldUL), newUL)
	baseline := c.add(c.add(oldLP, lpDelta), impermanentLoss)
	accrued := fixedpoint.Zero.Max(c.sub(newLP, baseline))

	net := c.add(c.add(c.mul(accrued, c.sub(fixedpoint.One, cfg.interestSplit())), oldLP), lpDelta)
	senior := c.div(c.mul(fixedpoint.NewFromUint64(old[Senior]), net), newLP)
	if c.err != nil {
		return Result{}, c.err
	}
	return splitTotal(total, senior)
}

// fila 为 senior 提供对无常损失的保险：payoff = strike + spot - 2*sqrt(spot*strike)。
func fila(old Quantities, _, newFV fixedpoint.Vector, cfg Config) (Result, error) {
	total, err := old.Total()
	if err != nil {
		return Result{}, err
	}
	spot := newFV[0]

	var c calc
	payoff := c.sub(c.add(cfg.Strike, spot), c.mul(fixedpoint.Two, c.sqrt(c.mul(spot, cfg.Strike))))
	value := c.mul(fixedpoint.NewFromUint64(cfg.Notional), payoff)
	if c.err != nil {
		return Result{}, c.err
	}
	return splitTotal(total, fixedpoint.NewFromUint64(old[Junior]).Min(value))
}
