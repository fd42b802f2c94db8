package payment

import (
	"errors"
	"fmt"
)

// Reason is a stable machine-readable rejection reason.
// Values are wire-stable: they appear in acks and reconcile results.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonInvalidAmount          Reason = "invalid_amount"
	ReasonInsufficientFunds      Reason = "insufficient_funds"
	ReasonInvalidSignature       Reason = "invalid_signature"
	ReasonTokenExpired           Reason = "token_expired"
	ReasonSessionMismatch        Reason = "session_mismatch"
	ReasonAmountExceeded         Reason = "amount_exceeded"
	ReasonReplayDetected         Reason = "replay_detected"
	ReasonMalformed              Reason = "malformed"
	ReasonOfflineCapExceeded     Reason = "offline_cap_exceeded"
	ReasonUnknownPayer           Reason = "unknown_payer"
	ReasonUnknownPayee           Reason = "unknown_payee"
	ReasonNotAParty              Reason = "not_a_party"
	ReasonStorageError           Reason = "storage_error"
	ReasonTransportIndeterminate Reason = "transport_indeterminate"
)

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrTokenExpired       = errors.New("token expired")
	ErrSessionMismatch    = errors.New("session mismatch")
	ErrAmountExceeded     = errors.New("amount exceeded")
	ErrReplayDetected     = errors.New("replay detected")
	ErrMalformed          = errors.New("malformed token")
	ErrOfflineCapExceeded = errors.New("offline cap exceeded")
	ErrUnknownPayer       = errors.New("unknown payer")
	ErrUnknownPayee       = errors.New("unknown payee")
	ErrNotAParty          = errors.New("caller is not a party to the token")
	ErrStorage            = errors.New("storage error")

	// ErrIndeterminate means the exchange outcome is unknown (timeout, disconnect).
	// It is never a rejection.
	ErrIndeterminate = errors.New("outcome indeterminate")

	// ErrConfig is returned for invalid policy configuration.
	ErrConfig = errors.New("invalid config")
)

var reasonTable = []struct {
	err    error
	reason Reason
}{
	{ErrInvalidAmount, ReasonInvalidAmount},
	{ErrInsufficientFunds, ReasonInsufficientFunds},
	{ErrInvalidSignature, ReasonInvalidSignature},
	{ErrTokenExpired, ReasonTokenExpired},
	{ErrSessionMismatch, ReasonSessionMismatch},
	{ErrAmountExceeded, ReasonAmountExceeded},
	{ErrReplayDetected, ReasonReplayDetected},
	{ErrMalformed, ReasonMalformed},
	{ErrOfflineCapExceeded, ReasonOfflineCapExceeded},
	{ErrUnknownPayer, ReasonUnknownPayer},
	{ErrUnknownPayee, ReasonUnknownPayee},
	{ErrNotAParty, ReasonNotAParty},
	{ErrStorage, ReasonStorageError},
	{ErrIndeterminate, ReasonTransportIndeterminate},
}

// ReasonOf maps err onto the reason vocabulary.
// nil maps to ReasonNone; anything unclassified is reported as a storage error,
// which callers treat as retryable.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	for _, e := range reasonTable {
		if errors.Is(err, e.err) {
			return e.reason
		}
	}
	return ReasonStorageError
}

// Err returns the sentinel error for r, or nil for ReasonNone and unknown values.
func (r Reason) Err() error {
	for _, e := range reasonTable {
		if e.reason == r {
			return e.err
		}
	}
	return nil
}

// Retryable reports whether a rejection with this reason may succeed if the
// same token is submitted again unchanged.
func (r Reason) Retryable() bool {
	return r == ReasonStorageError || r == ReasonTransportIndeterminate
}

// LoadLimitError reports a load request that would push the offline balance
// above the configured maximum. Available is the exact headroom left.
type LoadLimitError struct {
	Current   int64
	Requested int64
	Max       int64
	Available int64
}

func (e LoadLimitError) Error() string {
	return fmt.Sprintf("%s: can load at most %d more", ErrOfflineCapExceeded.Error(), e.Available)
}

func (e LoadLimitError) Unwrap() error { return ErrOfflineCapExceeded }

// FieldError reports a malformed token or descriptor field.
type FieldError struct {
	Field string
	Msg   string
}

func (e FieldError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", ErrMalformed.Error(), e.Field)
	}
	return fmt.Sprintf("%s: %s: %s", ErrMalformed.Error(), e.Field, e.Msg)
}

func (e FieldError) Unwrap() error { return ErrMalformed }
