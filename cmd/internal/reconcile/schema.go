package reconcile

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SchemaSQL returns the DDL for the reconcile tables inside schema.
// schema must already be a valid identifier.
func SchemaSQL(schema string) string {
	principals := pgIdent(schema, "principals")
	transactions := pgIdent(schema, "transactions")

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id              TEXT PRIMARY KEY,
  public_key      BYTEA NOT NULL CHECK (octet_length(public_key) = 32),
  main_balance    BIGINT NOT NULL CHECK (main_balance >= 0),
  offline_balance BIGINT NOT NULL DEFAULT 0 CHECK (offline_balance >= 0),
  last_counter    BIGINT NOT NULL DEFAULT 0 CHECK (last_counter >= 0),
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  token_id   TEXT PRIMARY KEY,
  payer_id   TEXT NOT NULL REFERENCES %s(id),
  payee_id   TEXT NOT NULL REFERENCES %s(id),
  amount     BIGINT NOT NULL CHECK (amount > 0),
  counter    BIGINT NOT NULL CHECK (counter > 0),
  status     TEXT NOT NULL CHECK (status IN ('completed')),
  digest     TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  synced_at  TIMESTAMPTZ NOT NULL,
  UNIQUE (payer_id, counter)
);

CREATE INDEX IF NOT EXISTS idx_transactions_payee_synced
  ON %s (payee_id, synced_at);
`,
		pgx.Identifier{schema}.Sanitize(),
		principals,
		transactions, principals, principals,
		transactions,
	)
}
