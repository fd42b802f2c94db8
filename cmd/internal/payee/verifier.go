// Package payee accepts payment tokens on the receiving device: it verifies
// them against the payee's own session and local ledger, and answers each
// exchange with a synchronous acknowledgment.
package payee

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"offpay/cmd/internal/keylock"
	"offpay/cmd/internal/ledger"
	"offpay/cmd/payment"
)

// State is a verification state. Accepted and Rejected are terminal.
type State string

const (
	StateReceived         State = "received"
	StateSignatureChecked State = "signature_checked"
	StatePolicyChecked    State = "policy_checked"
	StateAccepted         State = "accepted"
	StateRejected         State = "rejected"
)

// SessionChecker validates a nonce against the payee's current descriptor.
type SessionChecker interface {
	Check(nonce string, now time.Time) error
}

// Decision is the terminal outcome of one verification.
type Decision struct {
	TokenID string
	State   State
	Reason  payment.Reason
	// Last is the state reached before the terminal one.
	Last State
}

// Accepted reports whether the token was applied to the ledger.
func (d Decision) Accepted() bool { return d.State == StateAccepted }

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) {
		if l != nil {
			v.log = l
		}
	}
}

// Verifier runs the payee-side state machine. Tokens from different payers
// verify in parallel; tokens from the same payer are serialized.
type Verifier struct {
	policy   payment.Policy
	sessions SessionChecker
	ledger   *ledger.Ledger
	locks    *keylock.Map
	now      func() time.Time
	log      *slog.Logger
}

// NewVerifier wires a Verifier to the payee's session source and ledger.
func NewVerifier(policy payment.Policy, sessions SessionChecker, l *ledger.Ledger, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		policy:   policy,
		sessions: sessions,
		ledger:   l,
		locks:    keylock.New(),
		now:      func() time.Time { return time.Now().UTC() },
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify drives tok from Received to a terminal state, applying it to the
// local ledger on acceptance. Checks run in a fixed order and stop at the
// first failure: structure, signature, freshness, session, amount, replay.
func (v *Verifier) Verify(ctx context.Context, tok payment.Token) Decision {
	d := Decision{TokenID: tok.ID, State: StateReceived}

	if err := tok.Validate(); err != nil {
		return v.reject(d, err)
	}

	unlock := v.locks.Lock(tok.PayerID)
	defer unlock()

	if err := tok.VerifySignature(); err != nil {
		return v.reject(d, err)
	}
	d.State = StateSignatureChecked

	now := v.now()
	if err := v.checkPolicy(tok, now); err != nil {
		return v.reject(d, err)
	}
	d.State = StatePolicyChecked

	if _, err := v.ledger.Apply(ctx, func(s ledger.State) (ledger.State, error) {
		return s.Receive(tok, now)
	}); err != nil {
		if !errors.Is(err, payment.ErrReplayDetected) && !errors.Is(err, payment.ErrSessionMismatch) {
			err = errors.Join(payment.ErrStorage, err)
		}
		return v.reject(d, err)
	}

	d.Last, d.State = d.State, StateAccepted
	v.log.Info("payee.token.accepted",
		"token_id", tok.ID,
		"payer_id", tok.PayerID,
		"amount", tok.Amount,
		"counter", tok.Counter,
	)
	return d
}

func (v *Verifier) checkPolicy(tok payment.Token, now time.Time) error {
	if err := v.policy.CheckFresh(tok.CreatedAtMillis, now); err != nil {
		return err
	}
	if err := v.sessions.Check(tok.SessionNonce, now); err != nil {
		return payment.ErrSessionMismatch
	}
	if err := v.policy.CheckCap(tok.Amount); err != nil {
		return err
	}
	if tok.Counter <= v.ledger.Snapshot().LastSeen(tok.PayerID) {
		return payment.ErrReplayDetected
	}
	return nil
}

func (v *Verifier) reject(d Decision, err error) Decision {
	d.Last, d.State = d.State, StateRejected
	d.Reason = payment.ReasonOf(err)
	v.log.Info("payee.token.rejected", "token_id", d.TokenID, "after", d.Last, "reason", d.Reason, "err", err)
	return d
}
