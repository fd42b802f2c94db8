package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// wsSubprotocol pins the frame contract carried inside WebSocket messages.
const wsSubprotocol = "offpay.v1"

// wsConn carries one frame per binary WebSocket message.
type wsConn struct {
	c         *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(maxFrameBytes)
	return &wsConn{c: c, done: make(chan struct{})}
}

func (w *wsConn) Send(ctx context.Context, frame []byte) error {
	if len(frame) > maxFrameBytes {
		return ErrFrameTooLarge
	}
	if err := w.c.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return mapWSErr(ctx, err)
	}
	return nil
}

func (w *wsConn) Receive(ctx context.Context) ([]byte, error) {
	mt, b, err := w.c.Read(ctx)
	if err != nil {
		return nil, mapWSErr(ctx, err)
	}
	if mt != websocket.MessageBinary {
		return nil, errors.New("transport: unexpected websocket message type")
	}
	return b, nil
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.c.Close(websocket.StatusNormalClosure, "bye")
		close(w.done)
	})
	if websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func mapWSErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if websocket.CloseStatus(err) != -1 {
		return ErrClosed
	}
	return mapErr(ctx, err)
}

// WSDialer dials ws:// or wss:// endpoints.
type WSDialer struct {
	HTTPClient *http.Client
}

func (d WSDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	c, resp, err := websocket.Dial(ctx, addr, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		Subprotocols: []string{wsSubprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, mapErr(ctx, err)
	}
	if c.Subprotocol() != wsSubprotocol {
		_ = c.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, errors.New("transport: websocket subprotocol not negotiated")
	}
	return newWSConn(c), nil
}

// WSListener serves WebSocket upgrades on an HTTP server and hands each
// upgraded connection to Accept.
type WSListener struct {
	addr   string
	ln     net.Listener
	srv    *http.Server
	conns  chan *wsConn
	closed chan struct{}
	once   sync.Once
}

// ListenWS binds ws://host:port/path.
func ListenWS(addr string) (*WSListener, error) {
	_, u, err := splitScheme(addr)
	if err != nil {
		return nil, err
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, err
	}

	l := &WSListener{
		addr:   "ws://" + ln.Addr().String() + path,
		ln:     ln,
		conns:  make(chan *wsConn),
		closed: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handle)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() { _ = l.srv.Serve(ln) }()
	return l, nil
}

// handle blocks until the accepted connection is closed so the upgrade
// handler's lifetime spans the exchange.
func (l *WSListener) handle(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return
	}
	if c.Subprotocol() != wsSubprotocol {
		_ = c.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	wc := newWSConn(c)
	select {
	case l.conns <- wc:
	case <-l.closed:
		_ = c.Close(websocket.StatusGoingAway, "shutting down")
		return
	case <-r.Context().Done():
		return
	}
	select {
	case <-wc.done:
	case <-l.closed:
		_ = wc.Close()
	}
}

func (l *WSListener) Addr() string { return l.addr }

func (l *WSListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WSListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = l.srv.Shutdown(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			err = l.srv.Close()
		}
	})
	return err
}
