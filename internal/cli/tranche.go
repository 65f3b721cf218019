package cli

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vyper-protocol/vyper-core-sub000/internal/app"
	"github.com/vyper-protocol/vyper-core-sub000/internal/tranche"
)

var (
	initName           string
	initOwner          string
	initSource         string
	initModule         string
	initHalt           []string
	initRestricted     []string
	initReserveStale   uint64
	initTrancheStale   uint64
	refreshTranche     string
	refreshCaller      string
	refreshReserve     bool
	updateTranche      string
	updateCaller       string
	updateHalt         []string
	updateRestricted   []string
	updateReserveStale uint64
	updateTrancheStale uint64
	closeTranche       string
	closeCaller        string
)

var initTrancheCmd = &cobra.Command{
	Use:   "init-tranche",
	Short: "Create a tranche bound to a rate source and a payoff module",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := parseAddress("--owner", initOwner)
		if err != nil {
			return err
		}
		_, err = getApp().InitTranche(cmd.Context(), app.InitOptions{
			Name:                  initName,
			Owner:                 owner,
			RateSource:            initSource,
			PayoffModule:          initModule,
			HaltFlags:             initHalt,
			OwnerRestrictedIxs:    initRestricted,
			ReserveStaleThreshold: initReserveStale,
			TrancheStaleThreshold: initTrancheStale,
		})
		return err
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh the fair values of one tranche once",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTrancheID(refreshTranche)
		if err != nil {
			return err
		}
		opts := app.RefreshOptions{TrancheID: id, ReserveOnly: refreshReserve}
		if refreshCaller != "" {
			if opts.Caller, err = parseAddress("--caller", refreshCaller); err != nil {
				return err
			}
		} else {
			opts.Caller = getApp().Config.CallerAddress()
		}
		return getApp().Refresh(cmd.Context(), opts)
	},
}

// update-tranche 只修改显式传入的字段，mask 由 flag 是否出现决定。
var updateTrancheCmd = &cobra.Command{
	Use:   "update-tranche",
	Short: "Change halt flags, owner restricted operations or stale thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTrancheID(updateTranche)
		if err != nil {
			return err
		}
		caller, err := parseAddress("--caller", updateCaller)
		if err != nil {
			return err
		}

		var in tranche.UpdateInput
		flags := cmd.Flags()
		if flags.Changed("halt") {
			if in.HaltFlags, err = tranche.ParseFlagNames(updateHalt); err != nil {
				return fmt.Errorf("invalid --halt value: %w", err)
			}
			in.Mask |= tranche.UpdateHaltFlags
		}
		if flags.Changed("restricted") {
			if in.OwnerRestrictedIxs, err = tranche.ParseFlagNames(updateRestricted); err != nil {
				return fmt.Errorf("invalid --restricted value: %w", err)
			}
			in.Mask |= tranche.UpdateOwnerRestrictedIxs
		}
		if flags.Changed("reserve-stale") {
			in.ReserveStaleThreshold = updateReserveStale
			in.Mask |= tranche.UpdateReserveStaleThreshold
		}
		if flags.Changed("tranche-stale") {
			in.TrancheStaleThreshold = updateTrancheStale
			in.Mask |= tranche.UpdateTrancheStaleThreshold
		}
		if in.Mask == 0 {
			return fmt.Errorf("nothing to update; pass at least one of --halt, --restricted, --reserve-stale, --tranche-stale")
		}

		return getApp().UpdateTranche(cmd.Context(), app.UpdateOptions{
			TrancheID: id,
			Caller:    caller,
			Input:     in,
		})
	},
}

var closeTrancheCmd = &cobra.Command{
	Use:   "close-tranche",
	Short: "Remove a tranche with no outstanding tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTrancheID(closeTranche)
		if err != nil {
			return err
		}
		caller, err := parseAddress("--caller", closeCaller)
		if err != nil {
			return err
		}
		return getApp().CloseTranche(cmd.Context(), app.CloseOptions{TrancheID: id, Caller: caller})
	},
}

func init() {
	f := initTrancheCmd.Flags()
	f.StringVar(&initName, "name", "", "Human readable tranche name")
	f.StringVar(&initOwner, "owner", "", "Owner address")
	f.StringVar(&initSource, "source", "", "Rate source ID from config")
	f.StringVar(&initModule, "module", "", "Payoff module ID from config")
	f.StringSliceVar(&initHalt, "halt", nil, "Halted operations, e.g. deposits,redeems (defaults to config)")
	f.StringSliceVar(&initRestricted, "restricted", nil, "Owner restricted operations (defaults to config)")
	f.Uint64Var(&initReserveStale, "reserve-stale", 0, "Reserve fair value stale threshold in ticks (defaults to config)")
	f.Uint64Var(&initTrancheStale, "tranche-stale", 0, "Tranche fair value stale threshold in ticks (defaults to config)")
	_ = initTrancheCmd.MarkFlagRequired("owner")
	_ = initTrancheCmd.MarkFlagRequired("source")
	_ = initTrancheCmd.MarkFlagRequired("module")

	f = refreshCmd.Flags()
	f.StringVar(&refreshTranche, "tranche", "", "Tranche ID")
	f.StringVar(&refreshCaller, "caller", "", "Caller address (defaults to scheduler.caller)")
	f.BoolVar(&refreshReserve, "reserve-only", false, "Only refresh the reserve fair value")
	_ = refreshCmd.MarkFlagRequired("tranche")

	f = updateTrancheCmd.Flags()
	f.StringVar(&updateTranche, "tranche", "", "Tranche ID")
	f.StringVar(&updateCaller, "caller", "", "Caller address, must be the tranche owner")
	f.StringSliceVar(&updateHalt, "halt", nil, "Halted operations, \"none\" clears all")
	f.StringSliceVar(&updateRestricted, "restricted", nil, "Owner restricted operations, \"none\" clears all")
	f.Uint64Var(&updateReserveStale, "reserve-stale", 0, "Reserve fair value stale threshold in ticks")
	f.Uint64Var(&updateTrancheStale, "tranche-stale", 0, "Tranche fair value stale threshold in ticks")
	_ = updateTrancheCmd.MarkFlagRequired("tranche")
	_ = updateTrancheCmd.MarkFlagRequired("caller")

	f = closeTrancheCmd.Flags()
	f.StringVar(&closeTranche, "tranche", "", "Tranche ID")
	f.StringVar(&closeCaller, "caller", "", "Caller address, must be the tranche owner")
	_ = closeTrancheCmd.MarkFlagRequired("tranche")
	_ = closeTrancheCmd.MarkFlagRequired("caller")
}

func parseTrancheID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --tranche value: %w", err)
	}
	return id, nil
}

func parseAddress(flag, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid %s value: %q is not a hex address", flag, raw)
	}
	return common.HexToAddress(raw), nil
}
