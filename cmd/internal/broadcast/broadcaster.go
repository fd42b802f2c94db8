// Package broadcast mints the payee's rotating session descriptors and renders
// them as QR codes for out-of-band transfer.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"offpay/cmd/payment"
	"offpay/cmd/payment/ids"
)

// ErrNoSession is returned before the first descriptor has been minted.
var ErrNoSession = errors.New("broadcast: no session minted")

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.log = l
		}
	}
}

// Broadcaster owns the payee's current SessionDescriptor. Exactly one
// descriptor is valid at a time; minting replaces it unconditionally.
type Broadcaster struct {
	payeeID string
	addr    string
	policy  payment.Policy
	now     func() time.Time
	log     *slog.Logger

	mu   sync.RWMutex
	cur  payment.SessionDescriptor
	subs map[chan payment.SessionDescriptor]struct{}
}

// New returns a Broadcaster for payeeID reachable at addr. No descriptor is
// minted until Mint or Run is called.
func New(payeeID, addr string, policy payment.Policy, opts ...Option) (*Broadcaster, error) {
	if strings.TrimSpace(payeeID) == "" || strings.TrimSpace(addr) == "" {
		return nil, errors.New("broadcast: payee id and address are required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	b := &Broadcaster{
		payeeID: payeeID,
		addr:    addr,
		policy:  policy,
		now:     func() time.Time { return time.Now().UTC() },
		log:     slog.Default(),
		subs:    make(map[chan payment.SessionDescriptor]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Mint creates a fresh descriptor and makes it the only valid one.
func (b *Broadcaster) Mint() (payment.SessionDescriptor, error) {
	nonce, err := ids.NewNonce()
	if err != nil {
		return payment.SessionDescriptor{}, err
	}
	d := payment.SessionDescriptor{
		PayeeID:          b.payeeID,
		TransportAddress: b.addr,
		Nonce:            nonce,
		MintedAt:         b.now().UTC().Truncate(time.Millisecond),
		TTL:              b.policy.SessionTTL,
	}

	b.mu.Lock()
	b.cur = d
	for ch := range b.subs {
		// Subscribers only care about the latest descriptor.
		select {
		case <-ch:
		default:
		}
		ch <- d
	}
	b.mu.Unlock()

	b.log.Debug("broadcast.session.minted", "payee_id", b.payeeID, "expires_at", d.ExpiresAt())
	return d, nil
}

// Current returns the current descriptor.
func (b *Broadcaster) Current() (payment.SessionDescriptor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.cur.Nonce == "" {
		return payment.SessionDescriptor{}, ErrNoSession
	}
	return b.cur, nil
}

// Check reports ErrSessionMismatch unless nonce is the current descriptor's
// and that descriptor is unexpired at now.
func (b *Broadcaster) Check(nonce string, now time.Time) error {
	b.mu.RLock()
	cur := b.cur
	b.mu.RUnlock()

	if cur.Nonce == "" || nonce != cur.Nonce || cur.Expired(now) {
		return payment.ErrSessionMismatch
	}
	return nil
}

// Subscribe returns a channel receiving every newly minted descriptor.
// The channel holds at most the latest one. Call cancel to unsubscribe.
func (b *Broadcaster) Subscribe() (<-chan payment.SessionDescriptor, func()) {
	ch := make(chan payment.SessionDescriptor, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

// Run mints immediately and then on every rotation period until ctx is done.
// Rotation never waits for in-flight payments.
func (b *Broadcaster) Run(ctx context.Context) error {
	if _, err := b.Mint(); err != nil {
		return err
	}

	t := time.NewTicker(b.policy.RotationPeriod)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := b.Mint(); err != nil {
				b.log.Error("broadcast.session.mint_failed", "err", err)
				continue
			}
		}
	}
}
