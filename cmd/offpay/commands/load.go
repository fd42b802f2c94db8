package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"offpay/cmd/internal/syncclient"
)

// load <amount>: move server funds main -> offline, then pull balances down.
func loadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <amount>",
		Short: "Move funds from the main balance to the offline balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			d, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			c, err := serverClient()
			if err != nil {
				return err
			}

			resp, err := c.LoadOffline(cmd.Context(), d.id, amount)
			var apiErr *syncclient.APIError
			if errors.As(err, &apiErr) && apiErr.Code == "offline_cap_exceeded" {
				return fmt.Errorf("load refused: %s", apiErr.Message)
			}
			if err != nil {
				return err
			}

			refreshed, err := syncclient.Refresh(cmd.Context(), d.ledger, c)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server: main=%d offline=%d\n", resp.MainBalance, resp.OfflineBalance)
			if !refreshed {
				fmt.Fprintln(out, "local balances unchanged: pending tokens must sync first")
			}
			return nil
		},
	}
}
