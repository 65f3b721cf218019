package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vyper-protocol/vyper-core-sub000/internal/app"
)

var (
	showTranche string
	showLimit   int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display tranches, or the recent refreshes of one tranche",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}
		if showTranche != "" {
			id, err := parseTrancheID(showTranche)
			if err != nil {
				return err
			}
			opts.TrancheID = &id
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showTranche, "tranche", "", "Tranche ID (lists all tranches when empty)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of records to display")
}
