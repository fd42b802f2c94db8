// Package keystore is the Key Custodian: it stores and retrieves secret bytes
// for a principal, and builds the Ed25519 signing key on top of that.
//
// Secrets at rest are sealed with XChaCha20-Poly1305 under a key derived from
// the owner's passphrase with Argon2id.
//
// Security notes:
// - Sealed blobs are treated as untrusted input; KDF parameters read from disk
//   are bounded before use.
// - Derived keys and decrypted seeds are wiped after use where the API allows.
package keystore
