package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"offpay/cmd/internal/ledger"
	"offpay/cmd/payment"
	"offpay/cmd/security/keystore"
)

// init: create the device signing key and an empty local ledger.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate the device signing key and store it sealed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return errors.New("passphrase required (-p)")
			}
			d, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			pub, err := keystore.GenerateSigningKey(cmd.Context(), d.keys)
			if errors.Is(err, keystore.ErrExists) {
				return fmt.Errorf("%q already has a signing key", d.id)
			}
			if err != nil {
				return err
			}
			// Persist the empty ledger so later commands find it.
			if _, err := d.ledger.Apply(cmd.Context(), func(s ledger.State) (ledger.State, error) { return s, nil }); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Device %s initialised.\nPublic key: %s\n", d.id, payment.EncodePublicKey(pub))
			return nil
		},
	}
}
