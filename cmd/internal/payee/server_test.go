package payee

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"offpay/cmd/internal/transport"
	"offpay/cmd/payment"
	offv1 "offpay/shared/contracts/offline/v1"
)

func startServer(t *testing.T, f fixture) (transport.Listener, context.CancelFunc) {
	t.Helper()
	ln, err := transport.ListenTCP("tcp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	cfg := transport.DefaultConfig()
	cfg.AckTimeout = time.Second
	srv := NewServer(ln, f.v, cfg, NewRateLimiter(100, time.Second), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	return ln, func() {
		cancel()
		<-done
		_ = ln.Close()
	}
}

func roundTrip(t *testing.T, addr string, typ string, payload any) offv1.AckPayload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := transport.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := transport.WriteEnvelope(ctx, c, typ, "env-1", payload); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	env, err := transport.ReadEnvelope(ctx, c)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if env.Type != offv1.TypePaymentAck || env.ID != "env-1" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	var ack offv1.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("ack json: %v", err)
	}
	return ack
}

func TestServer_AcksEachExchange(t *testing.T) {
	f := newFixture(t, payment.DefaultPolicy())
	ln, stop := startServer(t, f)
	defer stop()

	tok := f.token(t, 100, 5, "N1", testNow)
	ack := roundTrip(t, ln.Addr(), offv1.TypePaymentToken, tok.Payload())
	if ack.Outcome != offv1.OutcomeAccepted || ack.TokenID != tok.ID {
		t.Fatalf("expected accepted ack, got %+v", ack)
	}

	ack = roundTrip(t, ln.Addr(), offv1.TypePaymentToken, tok.Payload())
	if ack.Outcome != offv1.OutcomeRejected || ack.Reason != string(payment.ReasonReplayDetected) {
		t.Fatalf("expected replay rejection, got %+v", ack)
	}

	over := f.token(t, 600, 6, "N1", testNow)
	ack = roundTrip(t, ln.Addr(), offv1.TypePaymentToken, over.Payload())
	if ack.Reason != string(payment.ReasonAmountExceeded) {
		t.Fatalf("expected amount_exceeded, got %+v", ack)
	}
}

func TestServer_MalformedPayload(t *testing.T) {
	f := newFixture(t, payment.DefaultPolicy())
	ln, stop := startServer(t, f)
	defer stop()

	ack := roundTrip(t, ln.Addr(), offv1.TypePaymentToken, map[string]any{"tokenId": "x", "surprise": true})
	if ack.Outcome != offv1.OutcomeRejected || ack.Reason != string(payment.ReasonMalformed) {
		t.Fatalf("expected malformed rejection, got %+v", ack)
	}

	ack = roundTrip(t, ln.Addr(), offv1.TypeError, offv1.ErrorPayload{Code: "x", Message: "y"})
	if ack.Reason != string(payment.ReasonMalformed) {
		t.Fatalf("expected malformed for wrong frame type, got %+v", ack)
	}
}
