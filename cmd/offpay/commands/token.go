package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"offpay/cmd/internal/auth/access"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Access token utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "issue <subject>",
		Short: "Issue a development access token signed with OFFPAY_PASETO_V4_SECRET_KEY_HEX",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := access.LoadConfigFromEnv()
			if err != nil {
				return fmt.Errorf("%w: set OFFPAY_PASETO_V4_SECRET_KEY_HEX", err)
			}
			m, err := access.NewPasetoV4PublicManager(cfg)
			if err != nil {
				return err
			}
			tok, exp, err := m.Issue(args[0], time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	})
	return cmd
}
