package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func balanceCmd() *cobra.Command {
	var showPending bool
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show the local ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			st := d.ledger.Snapshot()
			out := cmd.OutOrStdout()
			printState(out, st)
			if showPending {
				for _, e := range st.Pending {
					fmt.Fprintf(out, "  %s %-8s %-17s %s -> %s amount=%d counter=%d %s\n",
						e.Token.TokenID, e.Direction, e.Delivery,
						e.Token.PayerID, e.Token.PayeeID, e.Token.Amount, e.Token.Counter, e.Reason)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showPending, "pending", false, "list pending tokens")
	return cmd
}
