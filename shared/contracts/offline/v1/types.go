// Package v1 defines the offpay offline exchange protocol v1 contract.
//
// It is shared by payer devices, payee devices and the reconciliation server,
// and is the authoritative description of every payload that crosses a wire
// (QR code, short-range byte stream, reconcile API).
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypePaymentToken carries a signed PaymentToken (payer -> payee).
	TypePaymentToken = "payment_token"
	// TypePaymentAck carries the verifier's decision (payee -> payer).
	TypePaymentAck = "payment_ack"
	// TypeError is a protocol-level error (either direction).
	TypeError = "error"
)

// Ack outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// Reconcile statuses.
const (
	StatusCompleted = "completed"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

// Envelope is the canonical wrapper for every frame on the byte stream.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypePaymentToken, TypePaymentAck, TypeError:
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	if len(e.Payload) == 0 {
		return errors.New("missing field: payload")
	}
	return nil
}

// ---- Payloads ----

// SessionDescriptorPayload is the QR-encoded bootstrap bundle minted by a payee.
// The TTL is implicit (SessionTTLMillis from MintedAtMillis) unless TTLMillis is set.
type SessionDescriptorPayload struct {
	PayeeID          string `json:"payeeId"`
	TransportAddress string `json:"transportAddress"`
	Nonce            string `json:"nonce"`
	MintedAtMillis   int64  `json:"mintedAtMillis"`
	TTLMillis        int64  `json:"ttlMillis,omitempty"`
}

// SessionTTLMillis is the implicit descriptor lifetime.
const SessionTTLMillis int64 = 18000

// PaymentTokenPayload is the signed value-transfer token.
// PayerPublicKey and Signature are standard base64.
type PaymentTokenPayload struct {
	TokenID         string `json:"tokenId"`
	PayerID         string `json:"payerId"`
	PayerPublicKey  string `json:"payerPublicKey"`
	PayeeID         string `json:"payeeId"`
	Amount          int64  `json:"amount"`
	Counter         uint64 `json:"counter"`
	SessionNonce    string `json:"sessionNonce"`
	CreatedAtMillis int64  `json:"createdAtMillis"`
	Signature       string `json:"signature"`
}

// AckPayload is the payee's synchronous decision for one token.
type AckPayload struct {
	TokenID string `json:"tokenId,omitempty"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// ReconcileRequest is a batch of locally accepted (or pending) tokens.
type ReconcileRequest struct {
	Transactions []PaymentTokenPayload `json:"transactions"`
}

// ReconcileResult is the terminal outcome for one batch element.
type ReconcileResult struct {
	TokenID   string `json:"tokenId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ReconcileResponse carries one result per submitted element, in request order.
type ReconcileResponse struct {
	BatchID string            `json:"batchId,omitempty"`
	Results []ReconcileResult `json:"results"`
}

// RegisterPrincipalRequest registers a principal with the reconciliation server.
type RegisterPrincipalRequest struct {
	ID          string `json:"id"`
	PublicKey   string `json:"publicKey"`
	MainBalance int64  `json:"mainBalance"`
}

// LoadOfflineRequest moves funds from the main balance to the offline balance.
type LoadOfflineRequest struct {
	Amount int64 `json:"amount"`
}

// PrincipalResponse is the server view of a principal.
type PrincipalResponse struct {
	ID             string `json:"id"`
	PublicKey      string `json:"publicKey"`
	MainBalance    int64  `json:"mainBalance"`
	OfflineBalance int64  `json:"offlineBalance"`
	LastCounter    uint64 `json:"lastCounter"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
