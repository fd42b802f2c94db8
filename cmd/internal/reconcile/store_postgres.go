package reconcile

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"offpay/cmd/payment"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Apply takes a per-payer transactional advisory lock, then row locks on
//     the payer and payee principals in id order.
//   - The transactions primary key is the final idempotency guard.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "offpay").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("reconcile: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("reconcile: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "offpay",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("reconcile: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks database reachability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the store's schema and tables if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, SchemaSQL(s.schema)); err != nil {
		return OpError{Op: "ensure schema", Err: err}
	}
	return nil
}

func (s *PostgresStore) RegisterPrincipal(ctx context.Context, p Principal) (Principal, error) {
	if err := validatePrincipal(p); err != nil {
		return Principal{}, err
	}
	principals := pgIdent(s.schema, "principals")

	p.OfflineBalance, p.LastCounter = 0, 0
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+principals+` (id, public_key, main_balance, offline_balance, last_counter)
		 VALUES ($1, $2, $3, 0, 0)
		 RETURNING created_at, updated_at`,
		p.ID, []byte(p.PublicKey), p.MainBalance,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Principal{}, ErrPrincipalExists
		}
		return Principal{}, OpError{Op: "register principal", Err: err}
	}
	return p, nil
}

func (s *PostgresStore) GetPrincipal(ctx context.Context, id string) (Principal, error) {
	principals := pgIdent(s.schema, "principals")
	p, err := scanPrincipal(s.pool.QueryRow(ctx,
		`SELECT id, public_key, main_balance, offline_balance, last_counter, created_at, updated_at
		   FROM `+principals+`
		  WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Principal{}, ErrPrincipalNotFound
	}
	if err != nil {
		return Principal{}, OpError{Op: "get principal", Err: err}
	}
	return p, nil
}

func (s *PostgresStore) LoadOffline(ctx context.Context, id string, amount int64, policy payment.Policy) (Principal, error) {
	principals := pgIdent(s.schema, "principals")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Principal{}, OpError{Op: "load offline", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := scanPrincipal(tx.QueryRow(ctx,
		`SELECT id, public_key, main_balance, offline_balance, last_counter, created_at, updated_at
		   FROM `+principals+`
		  WHERE id = $1
		  FOR UPDATE`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Principal{}, ErrPrincipalNotFound
	}
	if err != nil {
		return Principal{}, OpError{Op: "load offline", Err: err}
	}

	if err := policy.CheckLoad(p.OfflineBalance, amount); err != nil {
		return Principal{}, err
	}
	if amount > p.MainBalance {
		return Principal{}, payment.ErrInsufficientFunds
	}

	if err := tx.QueryRow(ctx,
		`UPDATE `+principals+`
		    SET main_balance = main_balance - $2,
		        offline_balance = offline_balance + $2,
		        updated_at = now()
		  WHERE id = $1
		RETURNING main_balance, offline_balance, updated_at`,
		id, amount,
	).Scan(&p.MainBalance, &p.OfflineBalance, &p.UpdatedAt); err != nil {
		return Principal{}, OpError{Op: "load offline", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return Principal{}, OpError{Op: "load offline", Err: err}
	}
	return p, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, tokenID string) (Record, bool, error) {
	transactions := pgIdent(s.schema, "transactions")
	r, err := readRecord(ctx, s.pool, transactions, tokenID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, OpError{Op: "get record", Err: err}
	}
	return r, true, nil
}

// Apply settles one verified token.
func (s *PostgresStore) Apply(ctx context.Context, tok payment.Token, now time.Time) (Record, error) {
	if tok.Counter > math.MaxInt64 {
		return Record{}, payment.ErrMalformed
	}
	principals := pgIdent(s.schema, "principals")
	transactions := pgIdent(s.schema, "transactions")

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Record{}, OpError{Op: "apply", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize all settlement per payer so counter checks and the debit
	// observe each other.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, tok.PayerID); err != nil {
		return Record{}, OpError{Op: "advisory lock", Err: err}
	}

	if _, err := readRecord(ctx, tx, transactions, tok.ID); err == nil {
		return Record{}, ErrDuplicate
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, OpError{Op: "apply", Err: err}
	}

	// Lock both rows in id order; payees are also payers elsewhere.
	rows, err := tx.Query(ctx,
		`SELECT id, offline_balance, last_counter
		   FROM `+principals+`
		  WHERE id = ANY($1)
		  ORDER BY id
		  FOR UPDATE`,
		[]string{tok.PayerID, tok.PayeeID},
	)
	if err != nil {
		return Record{}, OpError{Op: "apply", Err: err}
	}
	type row struct {
		offline int64
		counter int64
	}
	found := make(map[string]row, 2)
	for rows.Next() {
		var (
			id string
			r  row
		)
		if err := rows.Scan(&id, &r.offline, &r.counter); err != nil {
			rows.Close()
			return Record{}, OpError{Op: "apply", Err: err}
		}
		found[id] = r
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Record{}, OpError{Op: "apply", Err: err}
	}

	payer, ok := found[tok.PayerID]
	if !ok {
		return Record{}, payment.ErrUnknownPayer
	}
	if _, ok := found[tok.PayeeID]; !ok {
		return Record{}, payment.ErrUnknownPayee
	}
	if int64(tok.Counter) <= payer.counter {
		return Record{}, payment.ErrReplayDetected
	}
	if tok.Amount > payer.offline {
		return Record{}, payment.ErrInsufficientFunds
	}

	rec := newRecord(tok, now)
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+transactions+` (
		     token_id, payer_id, payee_id, amount, counter, status, digest, created_at, synced_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.TokenID, rec.PayerID, rec.PayeeID, rec.Amount, int64(rec.Counter),
		string(rec.Status), rec.Digest, rec.CreatedAt, rec.SyncedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return Record{}, ErrDuplicate
		}
		return Record{}, OpError{Op: "insert transaction", Err: err}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+principals+`
		    SET offline_balance = offline_balance - $2,
		        last_counter = $3,
		        updated_at = $4
		  WHERE id = $1`,
		tok.PayerID, tok.Amount, int64(tok.Counter), now,
	); err != nil {
		return Record{}, OpError{Op: "debit payer", Err: err}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE `+principals+`
		    SET main_balance = main_balance + $2,
		        updated_at = $3
		  WHERE id = $1`,
		tok.PayeeID, tok.Amount, now,
	); err != nil {
		return Record{}, OpError{Op: "credit payee", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, OpError{Op: "apply commit", Err: err}
	}
	return rec, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readRecord(ctx context.Context, q rowQuerier, transactionsTable, tokenID string) (Record, error) {
	var (
		r       Record
		counter int64
		status  string
	)
	err := q.QueryRow(ctx,
		`SELECT token_id, payer_id, payee_id, amount, counter, status, digest, created_at, synced_at
		   FROM `+transactionsTable+`
		  WHERE token_id = $1`,
		tokenID,
	).Scan(&r.TokenID, &r.PayerID, &r.PayeeID, &r.Amount, &counter, &status, &r.Digest, &r.CreatedAt, &r.SyncedAt)
	if err != nil {
		return Record{}, err
	}
	r.Counter = uint64(counter) // #nosec G115 -- column is CHECK (counter > 0).
	r.Status = Status(status)
	return r, nil
}

func scanPrincipal(row pgx.Row) (Principal, error) {
	var (
		p       Principal
		key     []byte
		counter int64
	)
	if err := row.Scan(&p.ID, &key, &p.MainBalance, &p.OfflineBalance, &counter, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Principal{}, err
	}
	if len(key) != ed25519.PublicKeySize {
		return Principal{}, fmt.Errorf("principal %q: stored key has %d bytes", p.ID, len(key))
	}
	p.PublicKey = ed25519.PublicKey(key)
	p.LastCounter = uint64(counter) // #nosec G115 -- column is CHECK (last_counter >= 0).
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
