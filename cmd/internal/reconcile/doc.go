// Package reconcile is the server-side authority for offline payments.
//
// It turns batches of locally accepted tokens into durable ledger mutations.
// Each element is processed independently and idempotently: a token id is
// applied at most once, per-payer counters only move forward, and the four
// writes of one application (record, debit, credit, counter) commit together
// or not at all.
//
// Concurrency model:
//   - Elements of one batch are grouped by payer and applied in ascending
//     counter order within a group; groups run in parallel.
//   - Stores serialize writes per payer (advisory lock in Postgres, keyed
//     mutex in memory). The token id primary key is the final backstop.
package reconcile
