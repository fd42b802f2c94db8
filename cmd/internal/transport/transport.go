// Package transport is the short-range byte-stream contract between a payer
// and a payee: connect, send one frame, receive one frame, close.
//
// Concrete carriers (TCP, WebSocket, QUIC) all deliver whole frames; callers
// never see partial messages. Every blocking call honours its context.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// maxFrameBytes bounds a single frame on every carrier.
const maxFrameBytes = 64 << 10 // 64 KiB

var (
	// ErrClosed is returned after Close or when the peer hung up.
	ErrClosed = errors.New("transport: closed")

	// ErrFrameTooLarge is returned for frames above maxFrameBytes.
	ErrFrameTooLarge = errors.New("transport: frame too large")

	// ErrUnsupportedScheme is returned by Dial/Listen for unknown address schemes.
	ErrUnsupportedScheme = errors.New("transport: unsupported address scheme")

	// ErrMalformedFrame is returned when a frame is not a valid v1 envelope.
	ErrMalformedFrame = errors.New("transport: malformed frame")

	// ErrConfig is returned for invalid timeout configuration.
	ErrConfig = errors.New("transport: invalid config")
)

// Conn is a framed bidirectional byte stream. Close is idempotent.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a Conn to a transport address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Listener accepts inbound Conns.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	// Addr is the dialable address, suitable for a session descriptor.
	Addr() string
	Close() error
}

// Config bounds every phase of an exchange.
type Config struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	AckTimeout     time.Duration
}

// DefaultConfig returns the default exchange timeouts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		AckTimeout:     5 * time.Second,
	}
}

// LoadConfigFromEnv reads OFFPAY_TRANSPORT_{CONNECT,WRITE,ACK}_TIMEOUT.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	for _, f := range []struct {
		key string
		dst *time.Duration
	}{
		{"OFFPAY_TRANSPORT_CONNECT_TIMEOUT", &cfg.ConnectTimeout},
		{"OFFPAY_TRANSPORT_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"OFFPAY_TRANSPORT_ACK_TIMEOUT", &cfg.AckTimeout},
	} {
		v := os.Getenv(f.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("%s: %w", f.key, ErrConfig)
		}
		*f.dst = d
	}
	return cfg, nil
}

// Dial picks a carrier from addr's scheme: tcp://, ws://, wss://, quic://.
func Dial(ctx context.Context, addr string) (Conn, error) {
	scheme, _, err := splitScheme(addr)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "tcp":
		return TCPDialer{}.Dial(ctx, addr)
	case "ws", "wss":
		return WSDialer{}.Dial(ctx, addr)
	case "quic":
		return QUICDialer{}.Dial(ctx, addr)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, addr string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr string) (Conn, error) { return f(ctx, addr) }

// Default is the scheme-dispatching Dialer.
var Default Dialer = DialerFunc(Dial)

// Listen binds a carrier chosen from addr's scheme. For ws:// the path of
// addr is the upgrade endpoint.
func Listen(addr string) (Listener, error) {
	scheme, _, err := splitScheme(addr)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "tcp":
		return ListenTCP(addr)
	case "ws":
		return ListenWS(addr)
	case "quic":
		return ListenQUIC(addr)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

func splitScheme(addr string) (string, *url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(addr))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, addr)
	}
	return strings.ToLower(u.Scheme), u, nil
}
