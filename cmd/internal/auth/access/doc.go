// Package access issues and verifies the short-lived bearer tokens that gate
// the reconcile API.
//
// Tokens are PASETO v4.public. The subject claim is the principal id the
// caller acts for; handlers compare it against the payer and payee of each
// submitted token.
package access
