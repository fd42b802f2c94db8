// Package ids generates identifiers for tokens, batches and session nonces.
package ids

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// The timestamp prefix plus 80 random bits makes it a random+timestamp composite.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewTokenID returns a payment token id. It carries no signed semantics.
func NewTokenID(now time.Time) (string, error) { return NewULID(now) }

// NewBatchID returns a reconcile batch id used for log correlation.
func NewBatchID(now time.Time) (string, error) { return NewULID(now) }

// IsULID reports whether s parses as a ULID.
func IsULID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// NewNonce returns a session nonce: 16 random bytes, unpadded base64url.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
