package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func exchange(t *testing.T, l Listener) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		frame []byte
		err   error
	}
	served := make(chan result, 1)
	go func() {
		c, err := l.Accept(ctx)
		if err != nil {
			served <- result{err: err}
			return
		}
		defer c.Close()
		f, err := c.Receive(ctx)
		if err != nil {
			served <- result{err: err}
			return
		}
		served <- result{frame: f, err: c.Send(ctx, append([]byte("ack:"), f...))}
	}()

	c, err := Dial(ctx, l.Addr())
	if err != nil {
		t.Fatalf("Dial %s: %v", l.Addr(), err)
	}
	defer c.Close()

	if err := c.Send(ctx, []byte("token")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ack, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(ack) != "ack:token" {
		t.Fatalf("ack=%q", ack)
	}

	r := <-served
	if r.err != nil {
		t.Fatalf("server: %v", r.err)
	}
	if string(r.frame) != "token" {
		t.Fatalf("server frame=%q", r.frame)
	}
}

func TestTCP_Exchange(t *testing.T) {
	l, err := ListenTCP("tcp://127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer l.Close()
	exchange(t, l)
}

func TestWS_Exchange(t *testing.T) {
	l, err := ListenWS("ws://127.0.0.1:0/pay")
	if err != nil {
		t.Fatalf("ListenWS: %v", err)
	}
	defer l.Close()
	exchange(t, l)
}

func TestQUIC_Exchange(t *testing.T) {
	l, err := ListenQUIC("quic://127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenQUIC: %v", err)
	}
	defer l.Close()
	exchange(t, l)
}

func TestPipe_ReceiveTimeout(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := a.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestPipe_CancelUnblocksSend(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	// Nobody reads b, so the write blocks until cancellation.
	if err := a.Send(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}
}

func TestPipe_PeerCloseIsErrClosed(t *testing.T) {
	a, b := Pipe()
	_ = b.Close()
	defer a.Close()

	if _, err := a.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close must be a no-op: %v", err)
	}
}

func TestPipe_SendAfterPeerCloseIsErrClosed(t *testing.T) {
	a, b := Pipe()
	_ = b.Close()
	defer a.Close()

	if err := a.Send(context.Background(), []byte("ack")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSend_FrameTooLarge(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()
	if err := a.Send(context.Background(), make([]byte, maxFrameBytes+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDial_UnsupportedScheme(t *testing.T) {
	if _, err := Dial(context.Background(), "ble://aa:bb"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
	}
	if _, err := Listen("nope"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("OFFPAY_TRANSPORT_ACK_TIMEOUT", "2s")
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.AckTimeout != 2*time.Second || cfg.ConnectTimeout != 10*time.Second {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}

	t.Setenv("OFFPAY_TRANSPORT_CONNECT_TIMEOUT", "-1s")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
