package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vyper-protocol/vyper-core-sub000/internal/app"
	"github.com/vyper-protocol/vyper-core-sub000/internal/payoff"
)

var (
	simulateModule string
	simulateOldQty []string
	simulateOldFV  []string
	simulateNewFV  []string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "离线执行一次 payoff 模块, 不修改任何 tranche",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateModule == "" {
			return errors.New("--module 不能为空")
		}
		if len(simulateOldQty) != 2 {
			return errors.New("--old-qty 需要 senior,junior 两个数量")
		}

		var old payoff.Quantities
		for i, raw := range simulateOldQty {
			q, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid --old-qty value %q: %w", raw, err)
			}
			old[i] = q
		}

		_, err := getApp().Simulate(cmd.Context(), app.SimulateOptions{
			ModuleID:    simulateModule,
			OldQuantity: old,
			OldFV:       simulateOldFV,
			NewFV:       simulateNewFV,
		})
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateModule, "module", "", "Payoff module ID from config")
	simulateCmd.Flags().StringSliceVar(&simulateOldQty, "old-qty", nil, "旧的 senior,junior 存入数量")
	simulateCmd.Flags().StringSliceVar(&simulateOldFV, "old-fv", nil, "旧的储备公允价值分量")
	simulateCmd.Flags().StringSliceVar(&simulateNewFV, "new-fv", nil, "新的储备公允价值分量")
}
