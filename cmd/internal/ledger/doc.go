// Package ledger is the device-local ledger: balances, the pending-sync queue,
// the payer's own counter and the payee's last-seen counter per payer.
//
// State is a plain value. Every mutation is a pure transition returning a new
// State; Ledger applies a transition, persists the result, and only then makes
// it visible, so a counter is durable before any token carrying it leaves the
// device.
package ledger
