package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/vyper-protocol/vyper-core-sub000/internal/tranche"
)

// InitTranche creates a tranche stamped at the current tick and prints it.
func (a *App) InitTranche(ctx context.Context, opts InitOptions) (*tranche.Config, error) {
	rt, err := a.buildPersistent(ctx, "initialize tranche")
	if err != nil {
		return nil, err
	}
	defer rt.Close()

	if _, err := rt.sources.Resolve(opts.RateSource); err != nil {
		return nil, err
	}
	if _, err := rt.modules.Resolve(opts.PayoffModule); err != nil {
		return nil, err
	}

	defaults := a.Config.Tranches
	haltNames, restrictedNames := opts.HaltFlags, opts.OwnerRestrictedIxs
	if len(haltNames) == 0 {
		haltNames = defaults.HaltFlags
	}
	if len(restrictedNames) == 0 {
		restrictedNames = defaults.OwnerRestrictedIxs
	}
	halt, err := tranche.ParseFlagNames(haltNames)
	if err != nil {
		return nil, fmt.Errorf("halt flags: %w", err)
	}
	restricted, err := tranche.ParseFlagNames(restrictedNames)
	if err != nil {
		return nil, fmt.Errorf("owner restricted ixs: %w", err)
	}

	tick, err := rt.clock.Tick(ctx)
	if err != nil {
		return nil, fmt.Errorf("read clock: %w", err)
	}
	cfg, err := rt.ledger.Initialize(ctx, tranche.InitInput{
		Name:                  opts.Name,
		Owner:                 opts.Owner,
		RateSource:            opts.RateSource,
		PayoffModule:          opts.PayoffModule,
		HaltFlags:             halt,
		OwnerRestrictedIxs:    restricted,
		ReserveStaleThreshold: orDefault(opts.ReserveStaleThreshold, defaults.ReserveStaleThreshold),
		TrancheStaleThreshold: orDefault(opts.TrancheStaleThreshold, defaults.TrancheStaleThreshold),
		Version:               defaults.Version,
	}, tick)
	if err != nil {
		return nil, err
	}
	return cfg, printJSON(os.Stdout, cfg)
}

// Refresh runs a single refresh of one tranche outside the scheduler.
func (a *App) Refresh(ctx context.Context, opts RefreshOptions) error {
	rt, err := a.buildPersistent(ctx, "refresh tranche")
	if err != nil {
		return err
	}
	defer rt.Close()

	orch := a.newOrchestrator(rt, nil)
	refreshFn := orch.RefreshTrancheFairValue
	if opts.ReserveOnly {
		refreshFn = orch.RefreshReserveFairValue
	}
	cfg, err := refreshFn(ctx, opts.TrancheID, opts.Caller)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, cfg)
}

// UpdateTranche applies a bitmask update as the given caller.
func (a *App) UpdateTranche(ctx context.Context, opts UpdateOptions) error {
	rt, err := a.buildPersistent(ctx, "update tranche")
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg, err := rt.ledger.Update(ctx, opts.TrancheID, opts.Caller, opts.Input)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, cfg)
}

// CloseTranche removes a tranche whose token supply is zero.
func (a *App) CloseTranche(ctx context.Context, opts CloseOptions) error {
	rt, err := a.buildPersistent(ctx, "close tranche")
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.ledger.Close(ctx, opts.TrancheID, opts.Caller); err != nil {
		return err
	}
	a.Logger.Info().Str("tranche_id", opts.TrancheID.String()).Msg("tranche closed")
	return nil
}

func orDefault(v, fallback uint64) uint64 {
	if v == 0 {
		return fallback
	}
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
