package payoff

import "github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"

// lending rebases both legs on the reserve fair value. Upside above the
// senior's principal is shared through the interest split, losses hit
// junior first.
func lending(old Quantities, oldFV, newFV fixedpoint.Vector, cfg Config) (Result, error) {
	total, err := old.Total()
	if err != nil {
		return Result{}, err
	}
	oldFair, newFair := oldFV[0], newFV[0]
	if oldFair.IsZero() {
		return Result{NewQuantity: old}, nil
	}

	var c calc
	seniorOld := fixedpoint.NewFromUint64(old[Senior])
	var senior fixedpoint.Decimal
	switch {
	case newFair.GreaterThan(oldFair):
		gain := c.sub(c.div(newFair, oldFair), fixedpoint.One)
		factor := c.add(fixedpoint.One, c.mul(gain, c.sub(fixedpoint.One, cfg.interestSplit())))
		senior = c.mul(c.div(c.mul(seniorOld, oldFair), newFair), factor)
	case newFair.IsZero():
		senior = fixedpoint.NewFromUint64(total)
	default:
		senior = c.div(c.mul(seniorOld, oldFair), newFair)
	}
	if c.err != nil {
		return Result{}, c.err
	}

	res, err := splitTotal(total, senior)
	if err != nil {
		return Result{}, err
	}
	for i := range res.NewQuantity {
		fee := min(cfg.FixedFeePerTranche, res.NewQuantity[i])
		res.NewQuantity[i] -= fee
		res.FeeQuantity += fee
	}
	return res, nil
}

// lendingFee 依次扣除管理费、正收益上的业绩费，最后按 interest split 分配剩余收益。
// 顺序不可交换。
func lendingFee(old Quantities, oldFV, newFV fixedpoint.Vector, cfg Config) (Result, error) {
	total, err := old.Total()
	if err != nil {
		return Result{}, err
	}
	oldFair, newFair := oldFV[0], newFV[0]
	var c calc
	keep := c.sub(fixedpoint.One, cfg.mgmtFee())

	if oldFair.IsZero() || newFair.IsZero() {
		s := c.mul(fixedpoint.NewFromUint64(total), keep)
		if c.err != nil {
			return Result{}, c.err
		}
		senior, err := s.FloorUint64()
		if err != nil {
			return Result{}, err
		}
		return Result{NewQuantity: Quantities{senior, 0}, FeeQuantity: total - senior}, nil
	}

	var oldValue, perfValue [2]fixedpoint.Decimal
	perfKeep := c.sub(fixedpoint.One, cfg.perfFee())
	for i, q := range old {
		oldValue[i] = c.mul(c.mul(fixedpoint.NewFromUint64(q), oldFair), keep)
		newValue := c.mul(c.div(oldValue[i], oldFair), newFair)
		perfValue[i] = newValue
		if newValue.GreaterThan(oldValue[i]) {
			perfValue[i] = c.add(oldValue[i], c.mul(c.sub(newValue, oldValue[i]), perfKeep))
		}
	}
	perfTotal := c.add(perfValue[Senior], perfValue[Junior])

	var seniorValue fixedpoint.Decimal
	if perfValue[Senior].GreaterThan(oldValue[Senior]) {
		accrued := c.sub(perfValue[Senior], oldValue[Senior])
		seniorValue = c.add(oldValue[Senior], c.mul(accrued, c.sub(fixedpoint.One, cfg.interestSplit())))
	} else {
		seniorValue = oldValue[Senior].Min(perfTotal)
	}
	seniorQty := c.div(seniorValue, newFair)
	juniorQty := c.div(c.sub(perfTotal, seniorValue), newFair)
	if c.err != nil {
		return Result{}, c.err
	}

	s, err := seniorQty.FloorUint64()
	if err != nil {
		return Result{}, err
	}
	j, err := juniorQty.FloorUint64()
	if err != nil {
		return Result{}, err
	}
	return Result{NewQuantity: Quantities{s, j}, FeeQuantity: total - s - j}, nil
}
