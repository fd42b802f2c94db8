package ledger

import "errors"

var (
	// ErrNotFound is returned when a pending entry or persisted ledger does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrPrincipalMismatch is returned when a persisted ledger belongs to someone else.
	ErrPrincipalMismatch = errors.New("ledger: principal mismatch")
)
