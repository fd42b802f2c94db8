package reconcile

import (
	"context"
	"time"

	"offpay/cmd/payment"
)

// Store is the authoritative ledger.
//
// Requirements:
//   - Apply is atomic: record insert, payer offline debit, payee credit and
//     payer counter advance commit together or not at all.
//   - Apply serializes per payer and re-checks the token id under that lock.
//   - LoadOffline is atomic and enforces the offline maximum.
type Store interface {
	RegisterPrincipal(ctx context.Context, p Principal) (Principal, error)
	GetPrincipal(ctx context.Context, id string) (Principal, error)
	LoadOffline(ctx context.Context, id string, amount int64, policy payment.Policy) (Principal, error)

	// GetRecord reports whether tokenID has already been applied.
	GetRecord(ctx context.Context, tokenID string) (Record, bool, error)

	// Apply returns ErrDuplicate, payment.ErrReplayDetected,
	// payment.ErrUnknownPayer, payment.ErrUnknownPayee,
	// payment.ErrInsufficientFunds, or a storage error.
	Apply(ctx context.Context, tok payment.Token, now time.Time) (Record, error)

	Ping(ctx context.Context) error
	Close() error
}
