package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"offpay/cmd/internal/syncclient"
)

func syncCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Submit pending tokens for reconciliation and refresh balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			c, err := serverClient()
			if err != nil {
				return err
			}

			rep, err := syncclient.Sync(cmd.Context(), d.ledger, c, batchSize, cliLogger())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "submitted=%d completed=%d duplicate=%d kept=%d\n", rep.Submitted, rep.Completed, rep.Duplicate, rep.Kept)
			for reason, n := range rep.Rejected {
				fmt.Fprintf(out, "  rejected %s: %d\n", reason, n)
			}
			if err != nil {
				return err
			}

			refreshed, err := syncclient.Refresh(cmd.Context(), d.ledger, c)
			if err != nil {
				return err
			}
			if refreshed {
				printState(out, d.ledger.Snapshot())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch", 100, "tokens per reconcile request")
	return cmd
}
