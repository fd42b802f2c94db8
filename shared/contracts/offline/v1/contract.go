package v1

import (
	"errors"
	"strings"
)

// Structural validation only: cryptographic and policy checks live in the payment package.

// Validate reports missing or obviously malformed fields.
func (p PaymentTokenPayload) Validate() error {
	switch {
	case strings.TrimSpace(p.TokenID) == "":
		return errors.New("missing field: tokenId")
	case strings.TrimSpace(p.PayerID) == "":
		return errors.New("missing field: payerId")
	case strings.TrimSpace(p.PayerPublicKey) == "":
		return errors.New("missing field: payerPublicKey")
	case strings.TrimSpace(p.PayeeID) == "":
		return errors.New("missing field: payeeId")
	case p.Counter == 0:
		return errors.New("missing field: counter")
	case strings.TrimSpace(p.SessionNonce) == "":
		return errors.New("missing field: sessionNonce")
	case p.CreatedAtMillis <= 0:
		return errors.New("missing field: createdAtMillis")
	case strings.TrimSpace(p.Signature) == "":
		return errors.New("missing field: signature")
	}
	return nil
}

// Validate reports missing descriptor fields.
func (d SessionDescriptorPayload) Validate() error {
	switch {
	case strings.TrimSpace(d.PayeeID) == "":
		return errors.New("missing field: payeeId")
	case strings.TrimSpace(d.TransportAddress) == "":
		return errors.New("missing field: transportAddress")
	case strings.TrimSpace(d.Nonce) == "":
		return errors.New("missing field: nonce")
	case d.MintedAtMillis <= 0:
		return errors.New("missing field: mintedAtMillis")
	}
	return nil
}

// Validate reports an unknown outcome.
func (a AckPayload) Validate() error {
	switch a.Outcome {
	case OutcomeAccepted:
		return nil
	case OutcomeRejected:
		if strings.TrimSpace(a.Reason) == "" {
			return errors.New("missing field: reason")
		}
		return nil
	default:
		return errors.New("invalid field: outcome")
	}
}
