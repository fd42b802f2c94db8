package commands

import (
	"crypto/ed25519"
	"fmt"

	"github.com/spf13/cobra"

	"offpay/cmd/payment"
	offv1 "offpay/shared/contracts/offline/v1"
)

func registerCmd() *cobra.Command {
	var mainBalance int64
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this device's principal and public key with the server",
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
			key, err := d.signingKey(cmd.Context())
			if err != nil {
				return err
			}
			resp, err := c.RegisterPrincipal(cmd.Context(), offv1.RegisterPrincipalRequest{
				ID:          d.id,
				PublicKey:   payment.EncodePublicKey(key.Public().(ed25519.PublicKey)),
				MainBalance: mainBalance,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (main=%d)\n", resp.ID, resp.MainBalance)
			return nil
		},
	}
	cmd.Flags().Int64Var(&mainBalance, "main", 0, "opening main balance (needs an admin --token when the server requires auth)")
	return cmd
}
