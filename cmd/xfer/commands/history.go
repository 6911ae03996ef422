package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/xfer/pkg/stores"
)

type transferDetail struct {
	*stores.Transfer
	Events []*stores.TransferEvent `json:"events"`
}

func newHistoryCommand() *cobra.Command {
	var (
		limit    int
		warnings bool
	)

	cmd := &cobra.Command{
		Use:   "history [transfer-id]",
		Short: "Show recorded transfers",
		Long: `Show the transfers recorded in the store.

Without arguments the most recent transfers are listed. Given a transfer id,
the transfer is shown with its events: conflicts, warnings and failures.`,
		Example: `  # List recent transfers
  xfer history

  # Show one transfer with its events
  xfer history 5d1f0c9e-3a77-4f0e-9a57-0c2c4a1b7e21

  # Only show warnings of a transfer
  xfer history 5d1f0c9e-3a77-4f0e-9a57-0c2c4a1b7e21 --warnings`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := loadSettings()
			if err != nil {
				return err
			}

			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 0 {
				transfers, err := store.ListTransfers(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), transfers)
				}
				printTransfers(cmd, transfers)
				return nil
			}

			transfer, err := store.GetTransfer(ctx, args[0])
			if err != nil {
				return err
			}

			var level *stores.EventLevel
			if warnings {
				l := stores.EventLevelWarning
				level = &l
			}
			events, err := store.ListTransferEvents(ctx, transfer.ID, level, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), transferDetail{Transfer: transfer, Events: events})
			}
			printTransfers(cmd, []*stores.Transfer{transfer})
			printEvents(cmd, events)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries")
	cmd.Flags().BoolVar(&warnings, "warnings", false, "only show warning events")

	return cmd
}

func printTransfers(cmd *cobra.Command, transfers []*stores.Transfer) {
	if len(transfers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No transfers recorded")
		return
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDIRECTION\tSTATUS\tRESOURCES\tCONFLICTS\tWARNINGS\tSTARTED\tPACKAGE")
	for _, t := range transfers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			t.ID, t.Direction, t.Status, t.Resources, t.Conflicts, t.Warnings,
			t.StartedAt.Local().Format(time.DateTime), t.Package)
	}
	w.Flush()

	if len(transfers) == 1 && transfers[0].Error != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "\nError: %s\n", *transfers[0].Error)
	}
}

func printEvents(cmd *cobra.Command, events []*stores.TransferEvent) {
	if len(events) == 0 {
		return
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nEvents (%d):\n", len(events))
	for _, e := range events {
		fmt.Fprintf(out, "  %s  %-7s  %-20s  %s\n",
			e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.Message)
	}
}
