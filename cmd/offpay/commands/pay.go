package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"offpay/cmd/internal/payer"
	"offpay/cmd/internal/transport"
	"offpay/cmd/payment"
)

// pay <descriptor> <amount>: sign a token for the scanned session and deliver it.
// descriptor is the QR JSON, or @path to read it from a file ("@-" for stdin).
func payCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pay <descriptor|@file> <amount>",
		Short: "Pay the payee advertised by a scanned session descriptor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := readDescriptor(args[0])
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			d, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			key, err := d.signingKey(cmd.Context())
			if err != nil {
				return err
			}
			tcfg, err := transport.LoadConfigFromEnv()
			if err != nil {
				return err
			}

			log := cliLogger()
			signer := payer.NewSigner(d.id, key, d.policy, d.ledger, payer.WithLogger(log))
			res, err := payer.New(signer, transport.Default, tcfg, d.ledger, log).Pay(cmd.Context(), desc, amount)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch res.Outcome {
			case payer.OutcomeAccepted:
				fmt.Fprintf(out, "accepted: %s paid %d to %s (counter %d)\n", res.Token.ID, res.Token.Amount, res.Token.PayeeID, res.Token.Counter)
			case payer.OutcomeRejected:
				fmt.Fprintf(out, "rejected by payee: %s (%s)\n", res.Token.ID, res.Reason)
			default:
				fmt.Fprintf(out, "indeterminate: %s queued for sync (%v)\n", res.Token.ID, res.Err)
			}
			return nil
		},
	}
}

func readDescriptor(arg string) (payment.SessionDescriptor, error) {
	raw := []byte(arg)
	if path, ok := strings.CutPrefix(arg, "@"); ok {
		var err error
		if path == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(path)
		}
		if err != nil {
			return payment.SessionDescriptor{}, err
		}
	}
	return payment.DecodeDescriptor([]byte(strings.TrimSpace(string(raw))))
}

func parseAmount(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n <= 0 {
		return 0, errors.New("amount must be a positive integer")
	}
	return n, nil
}
