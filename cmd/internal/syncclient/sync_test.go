package syncclient

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"offpay/cmd/internal/ledger"
	"offpay/cmd/internal/reconcile"
	reconcileapi "offpay/cmd/internal/reconcile/api"
	"offpay/cmd/payment"
	offv1 "offpay/shared/contracts/offline/v1"
)

func newServer(t *testing.T) *HTTPClient {
	t.Helper()
	svc, err := reconcile.NewService(reconcile.NewInMemoryStore(), payment.DefaultPolicy(), reconcile.DefaultConfig())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	h, err := reconcileapi.NewHandler(nil, svc, reconcileapi.Config{})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	r := mux.NewRouter()
	h.Register(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return NewHTTP(ts.URL+"/", "")
}

// spend signs n outgoing tokens of amount each onto l.
func spend(t *testing.T, l *ledger.Ledger, priv ed25519.PrivateKey, payee string, n int, amount int64) {
	t.Helper()
	policy := payment.DefaultPolicy()
	now := time.Now().UTC()
	for range n {
		if _, err := l.Apply(context.Background(), func(s ledger.State) (ledger.State, error) {
			tok, err := payment.Token{
				ID:              fmt.Sprintf("%s-%d", s.PrincipalID, s.NextCounter()),
				PayerID:         s.PrincipalID,
				PayeeID:         payee,
				Amount:          amount,
				Counter:         s.NextCounter(),
				SessionNonce:    "N1",
				CreatedAtMillis: now.UnixMilli(),
			}.Sign(priv)
			if err != nil {
				return ledger.State{}, err
			}
			return s.Spend(policy, tok, now)
		}); err != nil {
			t.Fatalf("spend: %v", err)
		}
	}
}

func TestSync_SettlesAndRefreshes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newServer(t)
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	bobPub, _, _ := ed25519.GenerateKey(rand.Reader)

	for _, req := range []offv1.RegisterPrincipalRequest{
		{ID: "alice", PublicKey: payment.EncodePublicKey(pub), MainBalance: 1000},
		{ID: "bob", PublicKey: payment.EncodePublicKey(bobPub)},
	} {
		if _, err := c.RegisterPrincipal(ctx, req); err != nil {
			t.Fatalf("RegisterPrincipal(%s): %v", req.ID, err)
		}
	}
	srv, err := c.LoadOffline(ctx, "alice", 500)
	if err != nil {
		t.Fatalf("LoadOffline: %v", err)
	}

	l, err := ledger.Open(ctx, ledger.NewMemoryStore(), "alice")
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	if _, err := l.Apply(ctx, func(s ledger.State) (ledger.State, error) {
		return s.Fund(srv.MainBalance, srv.OfflineBalance)
	}); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	spend(t, l, priv, "bob", 5, 20)

	rep, err := Sync(ctx, l, c, 2, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rep.Submitted != 5 || rep.Completed != 5 || rep.Kept != 0 {
		t.Fatalf("report: %+v", rep)
	}
	if n := len(l.Snapshot().Pending); n != 0 {
		t.Fatalf("pending=%d want 0", n)
	}

	// A second run has nothing to do.
	if rep, err := Sync(ctx, l, c, 2, nil); err != nil || rep.Submitted != 0 {
		t.Fatalf("second Sync: %+v %v", rep, err)
	}

	ok, err := Refresh(ctx, l, c)
	if err != nil || !ok {
		t.Fatalf("Refresh: ok=%v err=%v", ok, err)
	}
	s := l.Snapshot()
	if s.OfflineBalance != 400 || s.MainBalance != 500 || s.LastCounter != 5 {
		t.Fatalf("after refresh: %+v", s)
	}

	bob, err := c.GetPrincipal(ctx, "bob")
	if err != nil {
		t.Fatalf("GetPrincipal(bob): %v", err)
	}
	if bob.MainBalance != 100 {
		t.Fatalf("bob main=%d want 100", bob.MainBalance)
	}
}

type scriptedReconciler struct {
	results map[string]offv1.ReconcileResult
	err     error
}

func (r scriptedReconciler) Reconcile(_ context.Context, req offv1.ReconcileRequest) (offv1.ReconcileResponse, error) {
	if r.err != nil {
		return offv1.ReconcileResponse{}, r.err
	}
	out := offv1.ReconcileResponse{BatchID: "b1"}
	for _, tok := range req.Transactions {
		if res, ok := r.results[tok.TokenID]; ok {
			out.Results = append(out.Results, res)
		}
	}
	return out, nil
}

func TestSync_KeepsRetryableAndUnanswered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	l, err := ledger.Open(ctx, ledger.NewMemoryStore(), "alice")
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	if _, err := l.Apply(ctx, func(s ledger.State) (ledger.State, error) { return s.Fund(0, 1000) }); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	spend(t, l, priv, "bob", 4, 10)

	r := scriptedReconciler{results: map[string]offv1.ReconcileResult{
		"alice-1": {TokenID: "alice-1", Status: offv1.StatusCompleted},
		"alice-2": {TokenID: "alice-2", Status: offv1.StatusRejected, Reason: "storage_error", Retryable: true},
		"alice-3": {TokenID: "alice-3", Status: offv1.StatusRejected, Reason: "invalid_signature"},
	}}
	rep, err := Sync(ctx, l, r, 10, nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rep.Completed != 1 || rep.Kept != 2 || rep.Rejected[payment.ReasonInvalidSignature] != 1 {
		t.Fatalf("report: %+v", rep)
	}

	var left []string
	for _, e := range l.Snapshot().Pending {
		left = append(left, e.Token.TokenID)
	}
	if len(left) != 2 || left[0] != "alice-2" || left[1] != "alice-4" {
		t.Fatalf("pending=%v want [alice-2 alice-4]", left)
	}

	// A transport failure keeps everything.
	boom := errors.New("connection refused")
	rep, err = Sync(ctx, l, scriptedReconciler{err: boom}, 10, nil)
	if !errors.Is(err, boom) || rep.Kept != 2 {
		t.Fatalf("failed Sync: rep=%+v err=%v", rep, err)
	}
	if n := len(l.Snapshot().Pending); n != 2 {
		t.Fatalf("pending=%d want 2", n)
	}
}

func TestHTTPClient_APIError(t *testing.T) {
	t.Parallel()

	c := newServer(t)
	_, err := c.GetPrincipal(context.Background(), "ghost")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 404 || !IsCode(err, "not_found") {
		t.Fatalf("got %v", err)
	}
}
