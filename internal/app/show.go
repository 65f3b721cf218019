package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vyper-protocol/vyper-core-sub000/internal/storage"
	"github.com/vyper-protocol/vyper-core-sub000/internal/tranche"
)

// Show prints tranches, and the refresh history of one tranche when selected.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	rt, err := a.buildPersistent(ctx, "show tranches")
	if err != nil {
		return err
	}
	defer rt.Close()

	if opts.TrancheID == nil {
		list, err := rt.ledger.List(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stdout, "no tranches found")
			return nil
		}
		writeTranches(os.Stdout, list)

		alerts, err := rt.store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(alerts) > 0 {
			fmt.Fprintln(os.Stdout)
			writeAlerts(os.Stdout, alerts)
		}
		return nil
	}

	cfg, err := rt.ledger.Get(ctx, *opts.TrancheID)
	if err != nil {
		return err
	}
	writeTranches(os.Stdout, []*tranche.Config{cfg})

	records, err := rt.store.ListRecentRefreshRecords(ctx, cfg.ID, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no refreshes recorded")
		return nil
	}
	fmt.Fprintln(os.Stdout)
	writeRefreshRecords(os.Stdout, records)
	return nil
}

func writeTranches(w io.Writer, list []*tranche.Config) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tSource\tModule\tDeposited\tFee\tSenior FV\tJunior FV\tUpdated\tHalt\tRestricted")
	for _, cfg := range list {
		d := cfg.Data
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\t%d\t%s\t%s\n",
			cfg.ID,
			cfg.Name,
			cfg.RateSource,
			cfg.PayoffModule,
			d.DepositedQuantity[0], d.DepositedQuantity[1],
			d.FeeToCollect,
			d.TrancheFairValue.Value[0].StringFixed(6),
			d.TrancheFairValue.Value[1].StringFixed(6),
			d.TrancheFairValue.Tracking.LastUpdate,
			d.HaltFlags,
			d.OwnerRestricted,
		)
	}
	writer.Flush()
}

func writeRefreshRecords(w io.Writer, records []storage.RefreshRecord) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tTick\tOutcome\tDeposited\tFee\tReserve FV\tSenior FV\tJunior FV\tError")
	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%d/%d\t%d\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.Tick,
			rec.Outcome,
			rec.DepositedQuantity[0], rec.DepositedQuantity[1],
			rec.Fee,
			rec.ReserveFairValue[0].StringFixed(6),
			rec.TrancheFairValue[0].StringFixed(6),
			rec.TrancheFairValue[1].StringFixed(6),
			errMsg,
		)
	}
	writer.Flush()
}

func writeAlerts(w io.Writer, alerts []storage.AlertRecord) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tTranche\tCode\tChannels\tMessage")
	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.TrancheID,
			alert.Code,
			strings.Join(alert.Channels, ","),
			sanitizeInline(alert.Message),
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
