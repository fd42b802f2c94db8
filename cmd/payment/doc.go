// Package payment holds the offline value-transfer domain: tokens, session
// descriptors, the canonical signing encoding, policy limits, and the
// machine-readable rejection reasons shared by payer, payee and server.
//
// Everything in this package is pure: no I/O, no clocks. Callers pass "now"
// explicitly so policy decisions are reproducible in tests.
package payment
