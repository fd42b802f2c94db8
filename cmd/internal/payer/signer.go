// Package payer builds, signs and delivers payment tokens from the paying device.
package payer

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"time"

	"offpay/cmd/internal/ledger"
	"offpay/cmd/payment"
	"offpay/cmd/payment/ids"
)

// Signer turns (descriptor, amount) into a signed token. Counter allocation,
// the provisional debit and queueing happen in one ledger transition, and that
// transition is persisted before Sign returns.
type Signer struct {
	payerID string
	key     ed25519.PrivateKey
	policy  payment.Policy
	ledger  *ledger.Ledger
	now     func() time.Time
	log     *slog.Logger
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SignerOption {
	return func(s *Signer) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSigner returns a Signer for payerID backed by key and l.
func NewSigner(payerID string, key ed25519.PrivateKey, policy payment.Policy, l *ledger.Ledger, opts ...SignerOption) *Signer {
	s := &Signer{
		payerID: payerID,
		key:     key,
		policy:  policy,
		ledger:  l,
		now:     func() time.Time { return time.Now().UTC() },
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// PublicKey returns the payer's verification key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.key.Public().(ed25519.PublicKey) }

// Sign builds and signs a token bound to d.
//
// Fails with ErrInvalidAmount or ErrInsufficientFunds before any state changes,
// and with ErrSessionMismatch if d has already expired. On success the counter
// is burned even if the token is never delivered.
func (s *Signer) Sign(ctx context.Context, d payment.SessionDescriptor, amount int64) (payment.Token, error) {
	now := s.now()
	if d.Nonce == "" || d.PayeeID == "" {
		return payment.Token{}, payment.FieldError{Field: "descriptor"}
	}
	if d.Expired(now) {
		return payment.Token{}, payment.ErrSessionMismatch
	}

	tokenID, err := ids.NewTokenID(now)
	if err != nil {
		return payment.Token{}, err
	}

	var signed payment.Token
	_, err = s.ledger.Apply(ctx, func(st ledger.State) (ledger.State, error) {
		if err := s.policy.CheckSpend(amount, st.OfflineBalance); err != nil {
			return ledger.State{}, err
		}
		tok, err := payment.Token{
			ID:              tokenID,
			PayerID:         s.payerID,
			PayeeID:         d.PayeeID,
			Amount:          amount,
			Counter:         st.NextCounter(),
			SessionNonce:    d.Nonce,
			CreatedAtMillis: now.UnixMilli(),
		}.Sign(s.key)
		if err != nil {
			return ledger.State{}, err
		}
		next, err := st.Spend(s.policy, tok, now)
		if err != nil {
			return ledger.State{}, err
		}
		signed = tok
		return next, nil
	})
	if err != nil {
		s.log.Info("payer.sign.refused", "payee_id", d.PayeeID, "amount", amount, "reason", payment.ReasonOf(err))
		return payment.Token{}, err
	}

	s.log.Info("payer.sign.ok", "token_id", signed.ID, "payee_id", signed.PayeeID, "amount", signed.Amount, "counter", signed.Counter)
	return signed, nil
}
