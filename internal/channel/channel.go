// Package channel carries length-prefixed byte frames between the proxy and a
// worker. It does not interpret payloads.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Channel errors. TransportError values match ErrTransport via errors.Is.
var (
	ErrTransport = errors.New("transport error")
	ErrTimeout   = errors.New("timeout")
	ErrClosed    = errors.New("channel closed")
)

// TransportError reports a write failure or loss of the peer.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// frameQueueSize is how many received frames may wait for Receive.
const frameQueueSize = 16

// Channel is a point-to-point frame carrier over a net.Conn. A background
// reader pulls complete frames off the connection, so an expired Receive
// never leaves a partially read frame behind.
//
// Send may be called from multiple goroutines. Receive is meant for a single
// consumer at a time.
type Channel struct {
	conn   net.Conn
	reader io.Reader // may wrap conn with bytes buffered during a handshake

	writeMu sync.Mutex
	frames  chan []byte

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error // cause of closure
}

// New wraps conn. If r is nil frames are read from conn directly.
func New(conn net.Conn, r io.Reader) *Channel {
	if r == nil {
		r = conn
	}
	c := &Channel{
		conn:   conn,
		reader: r,
		frames: make(chan []byte, frameQueueSize),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Channel) readLoop() {
	for {
		frame, err := ReadFrame(c.reader)
		if err != nil {
			c.fail(err)
			return
		}
		select {
		case c.frames <- frame:
		case <-c.done:
			return
		}
	}
}

// Send writes one frame. It fails with a TransportError if the channel is
// closed or the write fails; a failed write closes the channel. An oversized
// frame is rejected with ErrFrameTooLarge and leaves the channel open.
func (c *Channel) Send(frame []byte) error {
	if !c.IsConnected() {
		return &TransportError{Op: "send", Err: c.cause()}
	}

	if len(frame) > MaxFrameSize {
		// Nothing was written; the stream is still in sync.
		return fmt.Errorf("send: %w: size %d exceeds maximum %d", ErrFrameTooLarge, len(frame), MaxFrameSize)
	}
	c.writeMu.Lock()
	err := WriteFrame(c.conn, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(err)
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Receive waits for the next frame. It returns an error matching ErrTimeout
// if no frame arrives within timeout (zero means no limit) or ctx ends first,
// and a TransportError once the peer is gone and no frames remain queued.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	// Frames that arrived before the peer closed are still delivered.
	select {
	case f := <-c.frames:
		return f, nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		select {
		case f := <-c.frames:
			return f, nil
		default:
		}
		return nil, &TransportError{Op: "receive", Err: c.cause()}
	case <-expired:
		return nil, fmt.Errorf("receive: no frame within %s: %w", timeout, ErrTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("receive: %w: %w", ErrTimeout, ctx.Err())
	}
}

// IsConnected reports whether the peer is still reachable as far as the
// channel has observed.
func (c *Channel) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed when the channel is closed or the peer is lost.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the channel closed, or nil while it is open.
func (c *Channel) Err() error {
	if c.IsConnected() {
		return nil
	}
	return c.cause()
}

// RemoteAddr returns the peer address.
func (c *Channel) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Close closes the connection. It is safe to call more than once.
func (c *Channel) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *Channel) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *Channel) cause() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return ErrClosed
	}
	return c.err
}
