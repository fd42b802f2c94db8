package ledger

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"offpay/cmd/payment"
	offv1 "offpay/shared/contracts/offline/v1"
)

// Direction of a pending entry relative to the ledger owner.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Delivery tracks what the payer knows about a transmitted token.
type Delivery string

const (
	DeliverySigned          Delivery = "signed"
	DeliveryDelivered       Delivery = "delivered"
	DeliveryRejectedByPayee Delivery = "rejected_by_payee"
	DeliveryIndeterminate   Delivery = "indeterminate"
	DeliveryAccepted        Delivery = "accepted"
)

// PendingEntry is one token awaiting reconciliation.
type PendingEntry struct {
	Token      offv1.PaymentTokenPayload `json:"token"`
	Direction  Direction                 `json:"direction"`
	Delivery   Delivery                  `json:"delivery"`
	Reason     payment.Reason            `json:"reason,omitempty"`
	RecordedAt time.Time                 `json:"recordedAt"`
}

// State is the owned, serializable ledger of one principal.
type State struct {
	PrincipalID    string            `json:"principalId"`
	MainBalance    int64             `json:"mainBalance"`
	OfflineBalance int64             `json:"offlineBalance"`
	LastCounter    uint64            `json:"lastCounter"`
	PayerCounters  map[string]uint64 `json:"payerCounters,omitempty"`
	Pending        []PendingEntry    `json:"pending,omitempty"`
}

// New returns an empty ledger for principalID.
func New(principalID string) State {
	return State{PrincipalID: principalID, PayerCounters: map[string]uint64{}}
}

// Clone returns a deep copy; transitions never alias the receiver's maps or slices.
func (s State) Clone() State {
	out := s
	out.PayerCounters = maps.Clone(s.PayerCounters)
	if out.PayerCounters == nil {
		out.PayerCounters = map[string]uint64{}
	}
	out.Pending = slices.Clone(s.Pending)
	return out
}

// NextCounter is the counter the next signed token must carry.
func (s State) NextCounter() uint64 { return s.LastCounter + 1 }

// LastSeen returns the highest counter accepted locally for payerID.
func (s State) LastSeen(payerID string) uint64 { return s.PayerCounters[payerID] }

// Find returns the pending entry for tokenID.
func (s State) Find(tokenID string) (PendingEntry, bool) {
	for _, e := range s.Pending {
		if e.Token.TokenID == tokenID {
			return e, true
		}
	}
	return PendingEntry{}, false
}

// Fund sets balances from an authoritative source (server response or bootstrap).
func (s State) Fund(main, offline int64) (State, error) {
	if main < 0 || offline < 0 {
		return State{}, payment.ErrInvalidAmount
	}
	out := s.Clone()
	out.MainBalance = main
	out.OfflineBalance = offline
	return out, nil
}

// Load moves amount from main to offline under the policy's offline maximum.
func (s State) Load(p payment.Policy, amount int64) (State, error) {
	if err := p.CheckLoad(s.OfflineBalance, amount); err != nil {
		return State{}, err
	}
	if amount > s.MainBalance {
		return State{}, payment.ErrInsufficientFunds
	}
	out := s.Clone()
	out.MainBalance -= amount
	out.OfflineBalance += amount
	return out, nil
}

// Spend records a freshly signed outgoing token: the counter advances, the
// offline balance is provisionally debited and the token is queued for sync.
// The debit is not reversed if delivery later fails.
func (s State) Spend(p payment.Policy, tok payment.Token, now time.Time) (State, error) {
	if tok.PayerID != s.PrincipalID {
		return State{}, fmt.Errorf("ledger: spend for %q on ledger of %q: %w", tok.PayerID, s.PrincipalID, payment.ErrMalformed)
	}
	if err := p.CheckSpend(tok.Amount, s.OfflineBalance); err != nil {
		return State{}, err
	}
	if tok.Counter != s.NextCounter() {
		return State{}, payment.ErrReplayDetected
	}
	out := s.Clone()
	out.OfflineBalance -= tok.Amount
	out.LastCounter = tok.Counter
	out.Pending = append(out.Pending, PendingEntry{
		Token:      tok.Payload(),
		Direction:  Outgoing,
		Delivery:   DeliverySigned,
		RecordedAt: now.UTC(),
	})
	return out, nil
}

// Receive applies an accepted incoming token: local balance is credited and
// the payer's last-seen counter advances. Counters at or below the last seen
// value are replays.
func (s State) Receive(tok payment.Token, now time.Time) (State, error) {
	if tok.PayeeID != s.PrincipalID {
		return State{}, payment.ErrSessionMismatch
	}
	if tok.Counter <= s.LastSeen(tok.PayerID) {
		return State{}, payment.ErrReplayDetected
	}
	out := s.Clone()
	out.MainBalance += tok.Amount
	out.PayerCounters[tok.PayerID] = tok.Counter
	out.Pending = append(out.Pending, PendingEntry{
		Token:      tok.Payload(),
		Direction:  Incoming,
		Delivery:   DeliveryAccepted,
		RecordedAt: now.UTC(),
	})
	return out, nil
}

// MarkDelivery records the transport outcome of an outgoing token.
// An entry already marked rejected_by_payee or delivered keeps that state.
func (s State) MarkDelivery(tokenID string, d Delivery, reason payment.Reason) (State, error) {
	i := s.index(tokenID)
	if i < 0 {
		return State{}, ErrNotFound
	}
	out := s.Clone()
	e := &out.Pending[i]
	if e.Delivery == DeliveryDelivered || e.Delivery == DeliveryRejectedByPayee {
		return out, nil
	}
	e.Delivery = d
	e.Reason = reason
	return out, nil
}

// Settle removes tokenID from the pending queue after a terminal server outcome.
// Settling an unknown id is a no-op.
func (s State) Settle(tokenID string) State {
	i := s.index(tokenID)
	if i < 0 {
		return s
	}
	out := s.Clone()
	out.Pending = slices.Delete(out.Pending, i, i+1)
	return out
}

// Syncable returns the tokens that should be submitted to the reconciler.
// Outgoing tokens are included whether delivered, unsent or indeterminate: the
// server is the authority on whether the payee ever received them. Tokens the
// payee explicitly rejected stay queued but are never submitted.
func (s State) Syncable() []offv1.PaymentTokenPayload {
	out := make([]offv1.PaymentTokenPayload, 0, len(s.Pending))
	for _, e := range s.Pending {
		if e.Delivery == DeliveryRejectedByPayee {
			continue
		}
		out = append(out, e.Token)
	}
	return out
}

func (s State) index(tokenID string) int {
	return slices.IndexFunc(s.Pending, func(e PendingEntry) bool { return e.Token.TokenID == tokenID })
}
