package transport

import (
	"context"
	"net"
	"time"
)

// TCPDialer dials tcp://host:port.
type TCPDialer struct{}

func (TCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	_, u, err := splitScheme(addr)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	return newStreamConn(c, nil), nil
}

// TCPListener accepts framed TCP connections.
type TCPListener struct {
	ln *net.TCPListener
}

// ListenTCP binds tcp://host:port. Port 0 picks a free port.
func ListenTCP(addr string) (*TCPListener, error) {
	_, u, err := splitScheme(addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln.(*net.TCPListener)}, nil
}

func (l *TCPListener) Addr() string { return "tcp://" + l.ln.Addr().String() }

func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.SetDeadline(aLongTimeAgo) })
	defer stop()

	c, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			_ = l.ln.SetDeadline(time.Time{})
		}
		return nil, mapErr(ctx, err)
	}
	return newStreamConn(c, nil), nil
}

func (l *TCPListener) Close() error { return l.ln.Close() }

// Pipe returns two connected in-memory Conns.
func Pipe() (Conn, Conn) {
	a, b := net.Pipe()
	return newStreamConn(a, nil), newStreamConn(b, nil)
}
