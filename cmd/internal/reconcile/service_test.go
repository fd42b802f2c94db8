package reconcile

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"offpay/cmd/payment"
	offv1 "offpay/shared/contracts/offline/v1"
)

var testNow = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type party struct {
	id   string
	priv ed25519.PrivateKey
}

func newParty(t *testing.T, id string) party {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return party{id: id, priv: priv}
}

func (p party) pub() ed25519.PublicKey { return p.priv.Public().(ed25519.PublicKey) }

func (p party) pay(t *testing.T, payee string, amount int64, counter uint64) offv1.PaymentTokenPayload {
	t.Helper()
	tok, err := payment.Token{
		ID:              fmt.Sprintf("tok-%s-%d", p.id, counter),
		PayerID:         p.id,
		PayeeID:         payee,
		Amount:          amount,
		Counter:         counter,
		SessionNonce:    "N1",
		CreatedAtMillis: testNow.UnixMilli(),
	}.Sign(p.priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return tok.Payload()
}

type fixture struct {
	svc   *Service
	store Store
	alice party
	bob   party
}

// newFixture registers alice (main 3000, offline 2000) and bob (main 0).
func newFixture(t *testing.T, store Store, opts ...Option) fixture {
	t.Helper()
	ctx := context.Background()

	svc, err := NewService(store, payment.DefaultPolicy(), DefaultConfig(),
		append([]Option{WithClock(func() time.Time { return testNow })}, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f := fixture{svc: svc, store: store, alice: newParty(t, "alice"), bob: newParty(t, "bob")}

	for _, p := range []struct {
		party
		main int64
	}{{f.alice, 3000}, {f.bob, 0}} {
		if _, err := svc.RegisterPrincipal(ctx, offv1.RegisterPrincipalRequest{
			ID:          p.id,
			PublicKey:   payment.EncodePublicKey(p.pub()),
			MainBalance: p.main,
		}); err != nil {
			t.Fatalf("RegisterPrincipal(%s): %v", p.id, err)
		}
	}
	if _, err := svc.LoadOffline(ctx, "alice", 2000); err != nil {
		t.Fatalf("LoadOffline: %v", err)
	}
	return f
}

func (f fixture) balances(t *testing.T) (aliceOffline, bobMain int64, aliceCounter uint64) {
	t.Helper()
	a, err := f.svc.GetPrincipal(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetPrincipal(alice): %v", err)
	}
	b, err := f.svc.GetPrincipal(context.Background(), "bob")
	if err != nil {
		t.Fatalf("GetPrincipal(bob): %v", err)
	}
	return a.OfflineBalance, b.MainBalance, a.LastCounter
}

func statuses(resp offv1.ReconcileResponse) []string {
	out := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = r.Status
		if r.Reason != "" {
			out[i] += ":" + r.Reason
		}
	}
	return out
}

func TestReconcile_SameTokenTwiceAcrossBatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()
	tok := f.alice.pay(t, "bob", 100, 1)

	first, err := f.svc.Reconcile(ctx, Batch{Transactions: []offv1.PaymentTokenPayload{tok}})
	if err != nil {
		t.Fatalf("Reconcile first: %v", err)
	}
	second, err := f.svc.Reconcile(ctx, Batch{Transactions: []offv1.PaymentTokenPayload{tok}})
	if err != nil {
		t.Fatalf("Reconcile second: %v", err)
	}

	if got := statuses(first); got[0] != "completed" {
		t.Fatalf("first: got %v want completed", got)
	}
	if got := statuses(second); got[0] != "duplicate" {
		t.Fatalf("second: got %v want duplicate", got)
	}
	if first.BatchID == "" || first.BatchID == second.BatchID {
		t.Fatalf("batch ids: %q %q", first.BatchID, second.BatchID)
	}

	offline, bobMain, counter := f.balances(t)
	if offline != 1900 || bobMain != 100 || counter != 1 {
		t.Fatalf("balances: alice.offline=%d bob.main=%d counter=%d", offline, bobMain, counter)
	}
}

func TestReconcile_SameTokenTwiceInOneBatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, NewInMemoryStore())
	tok := f.alice.pay(t, "bob", 100, 1)

	resp, err := f.svc.Reconcile(context.Background(), Batch{Transactions: []offv1.PaymentTokenPayload{tok, tok}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got := statuses(resp)
	if got[0] != "completed" || got[1] != "duplicate" {
		t.Fatalf("got %v", got)
	}
	if _, bobMain, _ := f.balances(t); bobMain != 100 {
		t.Fatalf("bob.main=%d want 100", bobMain)
	}
}

func TestReconcile_SamePayerAppliedInCounterOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, NewInMemoryStore())
	batch := Batch{Transactions: []offv1.PaymentTokenPayload{
		f.alice.pay(t, "bob", 30, 7),
		f.alice.pay(t, "bob", 20, 6),
		f.alice.pay(t, "bob", 10, 5),
	}}

	resp, err := f.svc.Reconcile(context.Background(), batch)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	for i, s := range statuses(resp) {
		if s != "completed" {
			t.Fatalf("result[%d]=%s want completed (all=%v)", i, s, statuses(resp))
		}
	}
	// Results stay in submission order.
	if resp.Results[0].TokenID != batch.Transactions[0].TokenID {
		t.Fatalf("result order changed: %s", resp.Results[0].TokenID)
	}
	offline, bobMain, counter := f.balances(t)
	if offline != 1940 || bobMain != 60 || counter != 7 {
		t.Fatalf("balances: alice.offline=%d bob.main=%d counter=%d", offline, bobMain, counter)
	}
}

func TestReconcile_StaleCounterIsReplay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()

	if _, err := f.svc.Reconcile(ctx, Batch{Transactions: []offv1.PaymentTokenPayload{f.alice.pay(t, "bob", 50, 4)}}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// A different token id reusing an old counter.
	resp, err := f.svc.Reconcile(ctx, Batch{Transactions: []offv1.PaymentTokenPayload{f.alice.pay(t, "bob", 50, 3)}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := statuses(resp)[0]; got != "duplicate:replay_detected" {
		t.Fatalf("got %s", got)
	}
	if _, bobMain, _ := f.balances(t); bobMain != 50 {
		t.Fatalf("bob.main=%d want 50", bobMain)
	}
}

func TestReconcile_PerElementRejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t, NewInMemoryStore())
	mallory := newParty(t, "mallory")

	forged := f.alice.pay(t, "bob", 10, 2)
	forged.Amount = 11 // signature no longer matches

	wrongKey := mallory.pay(t, "bob", 10, 3)
	wrongKey.PayerID = "alice" // signed by an unregistered key

	malformed := f.alice.pay(t, "bob", 10, 4)
	malformed.Signature = ""

	batch := Batch{Transactions: []offv1.PaymentTokenPayload{
		f.alice.pay(t, "bob", 10, 1),
		forged,
		wrongKey,
		malformed,
		f.alice.pay(t, "bob", 600, 5),
		f.alice.pay(t, "carol", 10, 6),
		mallory.pay(t, "bob", 10, 1),
		f.alice.pay(t, "bob", 1999, 8),
		f.alice.pay(t, "bob", 20, 9),
	}}
	want := []string{
		"completed",
		"rejected:invalid_signature",
		"rejected:invalid_signature",
		"rejected:malformed",
		"rejected:amount_exceeded",
		"rejected:unknown_payee",
		"rejected:unknown_payer",
		"rejected:amount_exceeded",
		"completed",
	}

	resp, err := f.svc.Reconcile(context.Background(), batch)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	got := statuses(resp)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("result[%d]: got %s want %s (all=%v)", i, got[i], want[i], got)
		}
	}
	for i, r := range resp.Results {
		if r.Retryable {
			t.Fatalf("result[%d] unexpectedly retryable", i)
		}
	}
	offline, bobMain, counter := f.balances(t)
	if offline != 1970 || bobMain != 30 || counter != 9 {
		t.Fatalf("balances: alice.offline=%d bob.main=%d counter=%d", offline, bobMain, counter)
	}
}

func TestReconcile_InsufficientOfflineBalance(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	policy := payment.DefaultPolicy()
	policy.TxCap = 5000
	svc, err := NewService(store, policy, DefaultConfig())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	alice := newParty(t, "alice")
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		key := alice.pub()
		if _, err := store.RegisterPrincipal(ctx, Principal{ID: id, PublicKey: key, MainBalance: 500}); err != nil {
			t.Fatalf("RegisterPrincipal: %v", err)
		}
	}
	if _, err := svc.LoadOffline(ctx, "alice", 100); err != nil {
		t.Fatalf("LoadOffline: %v", err)
	}

	resp, err := svc.Reconcile(ctx, Batch{Transactions: []offv1.PaymentTokenPayload{alice.pay(t, "bob", 101, 1)}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := statuses(resp)[0]; got != "rejected:insufficient_funds" {
		t.Fatalf("got %s", got)
	}
}

func TestReconcile_CallerMustBeAParty(t *testing.T) {
	t.Parallel()

	f := newFixture(t, NewInMemoryStore())
	tok := f.alice.pay(t, "bob", 10, 1)

	resp, err := f.svc.Reconcile(context.Background(), Batch{Caller: "mallory", Transactions: []offv1.PaymentTokenPayload{tok}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := statuses(resp)[0]; got != "rejected:not_a_party" {
		t.Fatalf("got %s", got)
	}

	resp, err = f.svc.Reconcile(context.Background(), Batch{Caller: "bob", Transactions: []offv1.PaymentTokenPayload{tok}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := statuses(resp)[0]; got != "completed" {
		t.Fatalf("payee as caller: got %s", got)
	}
}

func TestReconcile_BatchTooLarge(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	svc, err := NewService(store, payment.DefaultPolicy(), Config{MaxBatch: 1, Workers: 1})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	_, err = svc.Reconcile(context.Background(), Batch{Transactions: make([]offv1.PaymentTokenPayload, 2)})
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("got %v want ErrBatchTooLarge", err)
	}
}

// flakyStore fails Apply for one token id without touching state.
type flakyStore struct {
	Store
	failID string
}

func (s flakyStore) Apply(ctx context.Context, tok payment.Token, now time.Time) (Record, error) {
	if tok.ID == s.failID {
		return Record{}, OpError{Op: "apply", Err: errors.New("connection reset")}
	}
	return s.Store.Apply(ctx, tok, now)
}

func TestReconcile_StorageFailureIsolatedAndRetryable(t *testing.T) {
	t.Parallel()

	inner := NewInMemoryStore()
	f := newFixture(t, inner)
	ctx := context.Background()

	carol := newParty(t, "carol")
	if _, err := inner.RegisterPrincipal(ctx, Principal{ID: "carol", PublicKey: carol.pub(), MainBalance: 100}); err != nil {
		t.Fatalf("RegisterPrincipal: %v", err)
	}
	if _, err := f.svc.LoadOffline(ctx, "carol", 50); err != nil {
		t.Fatalf("LoadOffline: %v", err)
	}

	bad := f.alice.pay(t, "bob", 10, 1)
	svc, err := NewService(flakyStore{Store: inner, failID: bad.TokenID}, payment.DefaultPolicy(), DefaultConfig())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	resp, err := svc.Reconcile(ctx, Batch{Transactions: []offv1.PaymentTokenPayload{
		bad,
		carol.pay(t, "bob", 10, 1),
	}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	r := resp.Results[0]
	if r.Status != "rejected" || r.Reason != "storage_error" || !r.Retryable {
		t.Fatalf("failed element: %+v", r)
	}
	if got := resp.Results[1].Status; got != "completed" {
		t.Fatalf("second element: %s", got)
	}
	if _, ok, _ := inner.GetRecord(ctx, bad.TokenID); ok {
		t.Fatalf("failed element left a record")
	}
	if offline, _, counter := f.balances(t); offline != 2000 || counter != 0 {
		t.Fatalf("failed element touched payer: offline=%d counter=%d", offline, counter)
	}

	// Retried unchanged against a healthy store, the element completes.
	resp, err = f.svc.Reconcile(ctx, Batch{Transactions: []offv1.PaymentTokenPayload{bad}})
	if err != nil {
		t.Fatalf("Reconcile retry: %v", err)
	}
	if got := statuses(resp)[0]; got != "completed" {
		t.Fatalf("retry: got %s", got)
	}
	if _, bobMain, _ := f.balances(t); bobMain != 20 {
		t.Fatalf("bob.main=%d want 20", bobMain)
	}
}

func TestReconcile_ConcurrentBatchesApplyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, NewInMemoryStore())
	tokens := make([]offv1.PaymentTokenPayload, 0, 10)
	for i := range 10 {
		tokens = append(tokens, f.alice.pay(t, "bob", 10, uint64(i+1)))
	}

	const submitters = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed = make(map[string]int)
	)
	for range submitters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.svc.Reconcile(context.Background(), Batch{Transactions: tokens})
			if err != nil {
				t.Errorf("Reconcile: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, r := range resp.Results {
				if r.Status == "completed" {
					completed[r.TokenID]++
				}
			}
		}()
	}
	wg.Wait()

	for _, tok := range tokens {
		if completed[tok.TokenID] != 1 {
			t.Fatalf("token %s completed %d times", tok.TokenID, completed[tok.TokenID])
		}
	}
	offline, bobMain, counter := f.balances(t)
	if offline != 1900 || bobMain != 100 || counter != 10 {
		t.Fatalf("balances: alice.offline=%d bob.main=%d counter=%d", offline, bobMain, counter)
	}
}

func TestLoadOffline_ReportsShortfall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()

	// alice is at 2000 of 2000; spend 200 so there is room for exactly 200.
	if _, err := f.svc.Reconcile(ctx, Batch{Transactions: []offv1.PaymentTokenPayload{f.alice.pay(t, "bob", 200, 1)}}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	_, err := f.svc.LoadOffline(ctx, "alice", 300)
	var lim payment.LoadLimitError
	if !errors.As(err, &lim) {
		t.Fatalf("got %v want LoadLimitError", err)
	}
	if lim.Available != 200 {
		t.Fatalf("available=%d want 200", lim.Available)
	}
	if got := payment.ReasonOf(err); got != payment.ReasonOfflineCapExceeded {
		t.Fatalf("reason=%s", got)
	}

	p, err := f.svc.LoadOffline(ctx, "alice", 200)
	if err != nil {
		t.Fatalf("LoadOffline(200): %v", err)
	}
	if p.OfflineBalance != 2000 || p.MainBalance != 800 {
		t.Fatalf("after load: %+v", p)
	}
}

func TestRegisterPrincipal_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, NewInMemoryStore())
	ctx := context.Background()

	_, err := f.svc.RegisterPrincipal(ctx, offv1.RegisterPrincipalRequest{
		ID:        "alice",
		PublicKey: payment.EncodePublicKey(f.alice.pub()),
	})
	if !errors.Is(err, ErrPrincipalExists) {
		t.Fatalf("duplicate register: got %v", err)
	}

	_, err = f.svc.RegisterPrincipal(ctx, offv1.RegisterPrincipalRequest{ID: "dave", PublicKey: "not-a-key"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad key: got %v", err)
	}

	if _, err := f.svc.GetPrincipal(ctx, "nobody"); !errors.Is(err, ErrPrincipalNotFound) {
		t.Fatalf("GetPrincipal: got %v", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("OFFPAY_RECONCILE_MAX_BATCH", "50")
	t.Setenv("OFFPAY_RECONCILE_WORKERS", "2")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.MaxBatch != 50 || cfg.Workers != 2 {
		t.Fatalf("got %+v", cfg)
	}

	t.Setenv("OFFPAY_RECONCILE_WORKERS", "0")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("workers=0: got %v want ErrConfig", err)
	}
}

func TestMetrics_CountOutcomes(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	// Registering twice reuses the existing collectors.
	if _, err := NewMetrics(reg); err != nil {
		t.Fatalf("NewMetrics again: %v", err)
	}

	f := newFixture(t, NewInMemoryStore(), WithMetrics(m))
	tok := f.alice.pay(t, "bob", 10, 1)
	for range 2 {
		if _, err := f.svc.Reconcile(context.Background(), Batch{Transactions: []offv1.PaymentTokenPayload{tok}}); err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
	}

	if got := testutil.ToFloat64(m.outcomes.WithLabelValues("completed", "")); got != 1 {
		t.Fatalf("completed=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.outcomes.WithLabelValues("duplicate", "")); got != 1 {
		t.Fatalf("duplicate=%v want 1", got)
	}
}
