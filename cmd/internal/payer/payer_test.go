package payer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"offpay/cmd/internal/broadcast"
	"offpay/cmd/internal/ledger"
	"offpay/cmd/internal/payee"
	"offpay/cmd/internal/transport"
	"offpay/cmd/payment"
)

func newLedger(t *testing.T, id string, offline int64, lastCounter uint64) *ledger.Ledger {
	t.Helper()
	ctx := context.Background()
	l, err := ledger.Open(ctx, ledger.NewMemoryStore(), id)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	if _, err := l.Apply(ctx, func(s ledger.State) (ledger.State, error) {
		s.LastCounter = lastCounter
		return s.Fund(0, offline)
	}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	return l
}

func newSigner(t *testing.T, l *ledger.Ledger) *Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return NewSigner("payer-1", priv, payment.DefaultPolicy(), l)
}

func descriptor(addr string) payment.SessionDescriptor {
	return payment.SessionDescriptor{
		PayeeID:          "payee-1",
		TransportAddress: addr,
		Nonce:            "N1",
		MintedAt:         time.Now().UTC(),
		TTL:              18 * time.Second,
	}
}

func TestSigner_PersistsCounterBeforeReturning(t *testing.T) {
	l := newLedger(t, "payer-1", 1000, 4)
	s := newSigner(t, l)

	tok, err := s.Sign(context.Background(), descriptor("tcp://127.0.0.1:1"), 100)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if tok.Counter != 5 {
		t.Fatalf("counter=%d want 5", tok.Counter)
	}
	if err := tok.VerifySignature(); err != nil {
		t.Fatalf("signature: %v", err)
	}

	st := l.Snapshot()
	if st.LastCounter != 5 || st.OfflineBalance != 900 {
		t.Fatalf("ledger not advanced: %+v", st)
	}
	e, ok := st.Find(tok.ID)
	if !ok || e.Delivery != ledger.DeliverySigned {
		t.Fatalf("token not queued: %+v", e)
	}
}

func TestSigner_Refusals(t *testing.T) {
	l := newLedger(t, "payer-1", 200, 0)
	s := newSigner(t, l)
	ctx := context.Background()

	if _, err := s.Sign(ctx, descriptor("x"), 600); !errors.Is(err, payment.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := s.Sign(ctx, descriptor("x"), 0); !errors.Is(err, payment.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := s.Sign(ctx, descriptor("x"), 300); !errors.Is(err, payment.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	expired := descriptor("x")
	expired.MintedAt = time.Now().Add(-time.Minute)
	if _, err := s.Sign(ctx, expired, 100); !errors.Is(err, payment.ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch, got %v", err)
	}

	if st := l.Snapshot(); st.LastCounter != 0 || st.OfflineBalance != 200 {
		t.Fatalf("refusals must not burn counters: %+v", st)
	}
}

func TestSigner_ConcurrentSignsNeverShareACounter(t *testing.T) {
	l := newLedger(t, "payer-1", 2000, 0)
	s := newSigner(t, l)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := s.Sign(context.Background(), descriptor("x"), 10)
			if err != nil {
				t.Errorf("Sign: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[tok.Counter] {
				t.Errorf("counter %d issued twice", tok.Counter)
			}
			seen[tok.Counter] = true
		}()
	}
	wg.Wait()

	if len(seen) != 20 || l.Snapshot().LastCounter != 20 {
		t.Fatalf("expected counters 1..20, got %d (last=%d)", len(seen), l.Snapshot().LastCounter)
	}
}

func TestPay_EndToEndAccepted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := transport.ListenTCP("tcp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	b, err := broadcast.New("payee-1", ln.Addr(), payment.DefaultPolicy())
	if err != nil {
		t.Fatalf("broadcast.New: %v", err)
	}
	d, err := b.Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	payeeLedger, err := ledger.Open(ctx, ledger.NewMemoryStore(), "payee-1")
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	v := payee.NewVerifier(payment.DefaultPolicy(), b, payeeLedger)
	srv := payee.NewServer(ln, v, transport.DefaultConfig(), nil, nil)
	go func() { _ = srv.Serve(ctx) }()

	payerLedger := newLedger(t, "payer-1", 1000, 4)
	p := New(newSigner(t, payerLedger), nil, transport.DefaultConfig(), payerLedger, nil)

	res, err := p.Pay(ctx, d, 100)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %+v", res)
	}
	if res.Token.Counter != 5 {
		t.Fatalf("counter=%d", res.Token.Counter)
	}

	if got := payeeLedger.Snapshot(); got.MainBalance != 100 || got.LastSeen("payer-1") != 5 {
		t.Fatalf("payee ledger: %+v", got)
	}
	if e, _ := payerLedger.Snapshot().Find(res.Token.ID); e.Delivery != ledger.DeliveryDelivered {
		t.Fatalf("payer delivery=%q", e.Delivery)
	}

	// A straddled rotation is rejected by the payee, not silently extended.
	if _, err := b.Mint(); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	res, err = p.Pay(ctx, d, 50)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if res.Outcome != OutcomeRejected || res.Reason != payment.ReasonSessionMismatch {
		t.Fatalf("expected session_mismatch, got %+v", res)
	}
	if e, _ := payerLedger.Snapshot().Find(res.Token.ID); e.Delivery != ledger.DeliveryRejectedByPayee {
		t.Fatalf("payer delivery=%q", e.Delivery)
	}
}

func TestPay_AckTimeoutIsIndeterminate(t *testing.T) {
	ctx := context.Background()
	ln, err := transport.ListenTCP("tcp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	// The peer reads the token but never acknowledges it.
	release := make(chan struct{})
	defer close(release)
	go func() {
		c, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = c.Receive(ctx)
		<-release
	}()

	cfg := transport.DefaultConfig()
	cfg.AckTimeout = 50 * time.Millisecond

	l := newLedger(t, "payer-1", 1000, 0)
	p := New(newSigner(t, l), nil, cfg, l, nil)

	res, err := p.Pay(ctx, descriptor(ln.Addr()), 100)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if res.Outcome != OutcomeIndeterminate || !errors.Is(res.Err, payment.ErrIndeterminate) {
		t.Fatalf("expected indeterminate, got %+v", res)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("cause must be the ack timeout, got %v", res.Err)
	}

	st := l.Snapshot()
	if st.OfflineBalance != 900 || st.LastCounter != 1 {
		t.Fatalf("provisional debit and counter must stand: %+v", st)
	}
	if e, _ := st.Find(res.Token.ID); e.Delivery != ledger.DeliveryIndeterminate {
		t.Fatalf("delivery=%q", e.Delivery)
	}
	if len(st.Syncable()) != 1 {
		t.Fatalf("indeterminate token must remain syncable")
	}
}

type countingConn struct {
	transport.Conn
	closes *int32
}

func (c countingConn) Close() error {
	atomic.AddInt32(c.closes, 1)
	return c.Conn.Close()
}

func TestPay_ClosesConnOnEveryPath(t *testing.T) {
	var closes int32
	dialer := transport.DialerFunc(func(ctx context.Context, addr string) (transport.Conn, error) {
		a, b := transport.Pipe()
		_ = b.Close() // peer hangs up immediately
		return countingConn{Conn: a, closes: &closes}, nil
	})

	l := newLedger(t, "payer-1", 1000, 0)
	p := New(newSigner(t, l), dialer, transport.DefaultConfig(), l, nil)

	res, err := p.Pay(context.Background(), descriptor("pipe://x"), 100)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if res.Outcome != OutcomeIndeterminate {
		t.Fatalf("expected indeterminate, got %+v", res)
	}
	if atomic.LoadInt32(&closes) != 1 {
		t.Fatalf("conn closed %d times", closes)
	}
}

func TestPay_ConnectFailureIsIndeterminate(t *testing.T) {
	dialer := transport.DialerFunc(func(ctx context.Context, addr string) (transport.Conn, error) {
		return nil, errors.New("radio off")
	})
	l := newLedger(t, "payer-1", 1000, 0)
	p := New(newSigner(t, l), dialer, transport.DefaultConfig(), l, nil)

	res, err := p.Pay(context.Background(), descriptor("x"), 100)
	if err != nil {
		t.Fatalf("Pay: %v", err)
	}
	if res.Outcome != OutcomeIndeterminate || res.Reason != payment.ReasonTransportIndeterminate {
		t.Fatalf("expected indeterminate, got %+v", res)
	}
}
