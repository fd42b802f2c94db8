package broadcast

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"offpay/cmd/payment"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBroadcaster(t *testing.T, clk *fakeClock) *Broadcaster {
	t.Helper()
	b, err := New("payee-1", "ws://127.0.0.1:7400/pay", payment.DefaultPolicy(), WithClock(clk.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestBroadcaster_RotationInvalidatesPreviousNonce(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBroadcaster(t, clk)

	if _, err := b.Current(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	d1, err := b.Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := b.Check(d1.Nonce, clk.Now()); err != nil {
		t.Fatalf("fresh nonce must be accepted: %v", err)
	}

	clk.Advance(18*time.Second + time.Millisecond)
	d2, err := b.Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if d1.Nonce == d2.Nonce {
		t.Fatalf("rotation must produce a fresh nonce")
	}
	if err := b.Check(d1.Nonce, clk.Now()); !errors.Is(err, payment.ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch for rotated nonce, got %v", err)
	}
	if err := b.Check(d2.Nonce, clk.Now()); err != nil {
		t.Fatalf("current nonce must be accepted: %v", err)
	}
}

func TestBroadcaster_ExpiredWithoutRotation(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBroadcaster(t, clk)

	d, err := b.Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if err := b.Check(d.Nonce, d.MintedAt.Add(18*time.Second)); err != nil {
		t.Fatalf("nonce must be valid through its ttl: %v", err)
	}
	if err := b.Check(d.Nonce, d.MintedAt.Add(18001*time.Millisecond)); !errors.Is(err, payment.ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch after ttl, got %v", err)
	}
}

func TestBroadcaster_RunMintsAndNotifiesSubscribers(t *testing.T) {
	p := payment.DefaultPolicy()
	p.RotationPeriod = 20 * time.Millisecond
	p.SessionTTL = 20 * time.Millisecond

	b, err := New("payee-1", "quic://127.0.0.1:7401", p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, cancel := b.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	seen := make(map[string]struct{})
	deadline := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case d := <-ch:
			seen[d.Nonce] = struct{}{}
		case <-deadline:
			t.Fatalf("only saw %d descriptors", len(seen))
		}
	}

	stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestQR_Render(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBroadcaster(t, clk)
	d, err := b.Mint()
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	png, err := PNG(d, 128)
	if err != nil {
		t.Fatalf("PNG: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatalf("not a png")
	}

	s, err := Terminal(d)
	if err != nil {
		t.Fatalf("Terminal: %v", err)
	}
	if len(s) == 0 {
		t.Fatalf("empty terminal rendering")
	}
}
