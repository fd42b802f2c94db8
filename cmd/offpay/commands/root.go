// Package commands implements the offpay CLI: the reconcile server plus the
// device-side payer and payee flows.
package commands

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"offpay/cmd/internal/ledger"
	"offpay/cmd/internal/syncclient"
	"offpay/cmd/payment"
	"offpay/cmd/security/keystore"
)

var (
	home       string
	passphrase string
	principal  string
	serverURL  string
	bearer     string
	verbose    bool
)

// Execute runs the root command against os.Args.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return newRootCmd(os.Stdout).ExecuteContext(ctx)
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "offpay",
		Short:         "Offline payer/payee value transfer with deferred reconciliation",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".offpay")
			}
			if passphrase == "" {
				passphrase = os.Getenv("OFFPAY_PASSPHRASE")
			}
			if serverURL == "" {
				serverURL = os.Getenv("OFFPAY_SERVER")
			}
			if bearer == "" {
				bearer = os.Getenv("OFFPAY_ACCESS_TOKEN")
			}
			return os.MkdirAll(home, 0o700)
		},
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&home, "home", "", "device data dir (default ~/.offpay)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the signing key (or OFFPAY_PASSPHRASE)")
	root.PersistentFlags().StringVar(&principal, "id", "", "principal id of this device")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "reconcile server base URL (or OFFPAY_SERVER)")
	root.PersistentFlags().StringVar(&bearer, "token", "", "access token for the reconcile server (or OFFPAY_ACCESS_TOKEN)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging on stderr")

	root.AddCommand(
		serveCmd(),
		initCmd(),
		registerCmd(),
		loadCmd(),
		balanceCmd(),
		receiveCmd(),
		payCmd(),
		syncCmd(),
		tokenCmd(),
	)
	return root
}

// device is the local state of one principal under --home.
type device struct {
	id     string
	dir    string
	keys   *keystore.FileCustodian
	ledger *ledger.Ledger
	policy payment.Policy
}

func openDevice(ctx context.Context) (*device, error) {
	id := strings.TrimSpace(principal)
	if id == "" {
		return nil, errors.New("principal id required (--id)")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("invalid principal id %q", id)
	}

	kcfg, err := keystore.FromEnv()
	if err != nil {
		return nil, err
	}
	policy, err := payment.LoadPolicyFromEnv()
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(home, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	l, err := ledger.Open(ctx, ledger.NewFileStore(filepath.Join(dir, "ledger.json")), id)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	return &device{
		id:     id,
		dir:    dir,
		keys:   keystore.NewFileCustodian(filepath.Join(dir, "keys"), passphrase, kcfg),
		ledger: l,
		policy: policy,
	}, nil
}

func (d *device) signingKey(ctx context.Context) (ed25519.PrivateKey, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase required (-p)")
	}
	key, err := keystore.LoadSigningKey(ctx, d.keys)
	if errors.Is(err, keystore.ErrNotFound) {
		return nil, fmt.Errorf("no signing key for %q. run offpay init first", d.id)
	}
	return key, err
}

func serverClient() (*syncclient.HTTPClient, error) {
	if serverURL == "" {
		return nil, errors.New("no server configured. use --server")
	}
	return syncclient.NewHTTP(serverURL, bearer), nil
}

func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func printState(w io.Writer, st ledger.State) {
	fmt.Fprintf(w, "principal: %s\nmain:      %d\noffline:   %d\ncounter:   %d\npending:   %d\n",
		st.PrincipalID, st.MainBalance, st.OfflineBalance, st.LastCounter, len(st.Pending))
}
