package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
	"github.com/vyper-protocol/vyper-core-sub000/internal/payoff"
)

// Simulate evaluates a configured payoff module for the given quantities and
// fair values without touching any tranche.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (payoff.Result, error) {
	modules, err := a.newModules()
	if err != nil {
		return payoff.Result{}, err
	}
	module, err := modules.Resolve(opts.ModuleID)
	if err != nil {
		return payoff.Result{}, err
	}
	oldFV, err := parseVector(opts.OldFV)
	if err != nil {
		return payoff.Result{}, fmt.Errorf("old fair value: %w", err)
	}
	newFV, err := parseVector(opts.NewFV)
	if err != nil {
		return payoff.Result{}, fmt.Errorf("new fair value: %w", err)
	}

	res, err := payoff.Invoke(ctx, module, opts.ModuleID, payoff.Request{
		OldQuantity:         opts.OldQuantity,
		OldReserveFairValue: oldFV,
		NewReserveFairValue: newFV,
	})
	if err != nil {
		return payoff.Result{}, err
	}
	writeSimulation(os.Stdout, opts, res)
	return res, nil
}

func parseVector(raw []string) (fixedpoint.Vector, error) {
	if len(raw) > fixedpoint.VectorLen {
		return fixedpoint.Vector{}, fmt.Errorf("at most %d components, got %d", fixedpoint.VectorLen, len(raw))
	}
	values := make([]fixedpoint.Decimal, 0, len(raw))
	for _, s := range raw {
		d, err := fixedpoint.NewFromString(s)
		if err != nil {
			return fixedpoint.Vector{}, err
		}
		values = append(values, d)
	}
	return fixedpoint.NewVector(values...)
}

func writeSimulation(w io.Writer, opts SimulateOptions, res payoff.Result) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Module\tOld senior\tOld junior\tNew senior\tNew junior\tFee")
	fmt.Fprintf(writer, "%s\t%d\t%d\t%d\t%d\t%d\n",
		opts.ModuleID,
		opts.OldQuantity[0], opts.OldQuantity[1],
		res.NewQuantity[0], res.NewQuantity[1],
		res.FeeQuantity,
	)
	writer.Flush()
}
