package keystore

import "errors"

// Public, stable errors for callers.
var (
	ErrNotFound           = errors.New("keystore: secret not found")
	ErrWrongPassphrase    = errors.New("keystore: wrong passphrase or corrupted secret")
	ErrPassphraseTooShort = errors.New("keystore: passphrase too short")
	ErrPassphraseTooLong  = errors.New("keystore: passphrase too long")
	ErrInvalidBlob        = errors.New("keystore: invalid sealed blob")
	ErrInvalidName        = errors.New("keystore: invalid secret name")
	ErrExists             = errors.New("keystore: secret already exists")
)
