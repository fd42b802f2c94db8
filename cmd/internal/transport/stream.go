package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// deadlineStream is the common surface of net.Conn and *quic.Stream.
type deadlineStream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// streamConn frames a byte stream with a uint32 big-endian length prefix.
type streamConn struct {
	s       deadlineStream
	onClose func() error

	rmu sync.Mutex
	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(s deadlineStream, onClose func() error) *streamConn {
	return &streamConn{s: s, onClose: onClose}
}

// aLongTimeAgo unblocks pending I/O when a context is cancelled.
var aLongTimeAgo = time.Unix(1, 0)

func (c *streamConn) Send(ctx context.Context, frame []byte) error {
	if len(frame) > maxFrameBytes {
		return ErrFrameTooLarge
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	dl, _ := ctx.Deadline()
	if err := c.s.SetWriteDeadline(dl); err != nil {
		return mapErr(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.s.SetWriteDeadline(aLongTimeAgo) })
	defer stop()

	buf := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(buf, uint32(len(frame)))
	copy(buf[4:], frame)
	if _, err := c.s.Write(buf); err != nil {
		return mapErr(ctx, err)
	}
	return nil
}

func (c *streamConn) Receive(ctx context.Context) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	dl, _ := ctx.Deadline()
	if err := c.s.SetReadDeadline(dl); err != nil {
		return nil, mapErr(ctx, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.s.SetReadDeadline(aLongTimeAgo) })
	defer stop()

	var hdr [4]byte
	if _, err := io.ReadFull(c.s, hdr[:]); err != nil {
		return nil, mapErr(ctx, err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(c.s, frame); err != nil {
		return nil, mapErr(ctx, err)
	}
	return frame, nil
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.s.Close()
		if c.onClose != nil {
			if err := c.onClose(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

// mapErr prefers the context's error and folds hang-ups into ErrClosed.
func mapErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return context.DeadlineExceeded
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	return err
}
