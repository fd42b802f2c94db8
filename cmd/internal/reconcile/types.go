package reconcile

import (
	"crypto/ed25519"
	"time"

	"offpay/cmd/payment"
	offv1 "offpay/shared/contracts/offline/v1"
)

// Status is the terminal per-element outcome.
type Status string

const (
	StatusCompleted Status = offv1.StatusCompleted
	StatusDuplicate Status = offv1.StatusDuplicate
	StatusRejected  Status = offv1.StatusRejected
)

// Principal is a registered account on the authoritative ledger.
type Principal struct {
	ID             string
	PublicKey      ed25519.PublicKey
	MainBalance    int64
	OfflineBalance int64
	LastCounter    uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Record is a TransactionRecord. Only completed applications are persisted;
// it is never mutated afterwards.
type Record struct {
	TokenID   string
	PayerID   string
	PayeeID   string
	Amount    int64
	Counter   uint64
	Status    Status
	Digest    string
	CreatedAt time.Time
	SyncedAt  time.Time
}

// Outcome is the result reported for one batch element.
type Outcome struct {
	TokenID   string
	Status    Status
	Reason    payment.Reason
	Retryable bool
}

// Result converts o to its wire form.
func (o Outcome) Result() offv1.ReconcileResult {
	return offv1.ReconcileResult{
		TokenID:   o.TokenID,
		Status:    string(o.Status),
		Reason:    string(o.Reason),
		Retryable: o.Retryable,
	}
}

// Batch is one reconcile submission. Caller, when set, must be the payer or
// the payee of every element.
type Batch struct {
	Caller       string
	Transactions []offv1.PaymentTokenPayload
}
