package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicate is returned by Store.Apply when the token id is already recorded.
	ErrDuplicate = errors.New("reconcile: token already recorded")

	// ErrPrincipalNotFound is returned for unknown principal ids.
	ErrPrincipalNotFound = errors.New("reconcile: principal not found")

	// ErrPrincipalExists is returned when registering an id twice.
	ErrPrincipalExists = errors.New("reconcile: principal already exists")

	// ErrInvalidInput is returned for malformed principal or load requests.
	ErrInvalidInput = errors.New("reconcile: invalid input")

	// ErrBatchTooLarge is returned when a batch exceeds the configured maximum.
	ErrBatchTooLarge = errors.New("reconcile: batch too large")

	// ErrConfig is returned for invalid service configuration.
	ErrConfig = errors.New("reconcile: invalid config")
)

// OpError wraps a store failure with the operation that produced it.
type OpError struct {
	Op  string
	Err error
}

func (e OpError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e OpError) Unwrap() error { return e.Err }
