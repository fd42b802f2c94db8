package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"offpay/cmd/internal/broadcast"
	"offpay/cmd/internal/payee"
	"offpay/cmd/internal/transport"
)

// receive: advertise rotating session descriptors and accept payments until interrupted.
func receiveCmd() *cobra.Command {
	var (
		listenAddr string
		advertise  string
		qrPNG      string
		qrSize     int
		showQR     bool
		rateLimit  int
		rateWindow time.Duration
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept offline payments, printing a fresh session QR on every rotation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDevice(cmd.Context())
			if err != nil {
				return err
			}
			tcfg, err := transport.LoadConfigFromEnv()
			if err != nil {
				return err
			}
			log := cliLogger()

			ln, err := transport.Listen(listenAddr)
			if err != nil {
				return err
			}
			defer ln.Close()
			if advertise == "" {
				advertise = ln.Addr()
			}

			b, err := broadcast.New(d.id, advertise, d.policy, broadcast.WithLogger(log))
			if err != nil {
				return err
			}
			v := payee.NewVerifier(d.policy, b, d.ledger, payee.WithLogger(log))
			srv := payee.NewServer(ln, v, tcfg, payee.NewRateLimiter(rateLimit, rateWindow), log)

			out := cmd.OutOrStdout()
			srv.OnDecision = func(dec payee.Decision) {
				if dec.Accepted() {
					fmt.Fprintf(out, "accepted %s\n", dec.TokenID)
					return
				}
				fmt.Fprintf(out, "rejected %s: %s\n", dec.TokenID, dec.Reason)
			}

			sessions, unsubscribe := b.Subscribe()
			defer unsubscribe()

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return b.Run(ctx) })
			g.Go(func() error { return srv.Serve(ctx) })
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case desc := <-sessions:
						enc, err := desc.Encode()
						if err != nil {
							return err
						}
						fmt.Fprintf(out, "\nsession %s valid until %s\n%s\n", desc.Nonce, desc.ExpiresAt().Format(time.TimeOnly), enc)
						if showQR {
							if art, err := broadcast.Terminal(desc); err == nil {
								fmt.Fprint(out, art)
							}
						}
						if qrPNG != "" {
							png, err := broadcast.PNG(desc, qrSize)
							if err != nil {
								return err
							}
							if err := writeFileAtomic(qrPNG, png); err != nil {
								return err
							}
						}
					}
				}
			})

			fmt.Fprintf(out, "%s listening on %s\n", d.id, ln.Addr())
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "tcp://127.0.0.1:7070", "transport listen address (tcp://, ws://, quic://)")
	cmd.Flags().StringVar(&advertise, "advertise", "", "address payers dial (default: the listener address)")
	cmd.Flags().StringVar(&qrPNG, "qr-png", "", "also write the current session QR to this PNG file")
	cmd.Flags().IntVar(&qrSize, "qr-size", 256, "PNG size in pixels")
	cmd.Flags().BoolVar(&showQR, "qr", true, "print the session QR in the terminal")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "max exchanges per window (0 = default)")
	cmd.Flags().DurationVar(&rateWindow, "rate-window", 0, "rate limit window (0 = default)")
	return cmd
}

func writeFileAtomic(path string, b []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".qr-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
