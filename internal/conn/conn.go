// Package conn wraps a single handshaken socket shared by the server registry
// and the client dispatcher.
package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/snowfight/snowfight/internal/wire"
)

// ErrClosed is returned when sending on a connection that has been shut down.
var ErrClosed = errors.New("connection closed")

// DefaultWriteTimeout bounds how long a single write may wait on a peer that
// has stopped reading.
const DefaultWriteTimeout = 10 * time.Second

// ID uniquely identifies a connection for its lifetime.
type ID string

// NewID returns a fresh random connection identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// Short returns the first block of the identifier for log lines.
func (id ID) Short() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

// Connection is one live socket plus its identifier. Sends are serialized so
// that concurrent callers never interleave the bytes of two messages.
type Connection struct {
	id      ID
	socket  net.Conn
	in      *wire.Reader
	limiter *rate.Limiter

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// New wraps an already handshaken socket.
func New(socket net.Conn) *Connection {
	return &Connection{
		id:           NewID(),
		socket:       socket,
		in:           wire.NewReader(bufio.NewReader(socket)),
		writeTimeout: DefaultWriteTimeout,
		closed:       make(chan struct{}),
	}
}

func (c *Connection) ID() ID               { return c.id }
func (c *Connection) RemoteAddr() net.Addr { return c.socket.RemoteAddr() }

// In returns the reader handlers use to decode the fields of the message
// currently being dispatched.
func (c *Connection) In() *wire.Reader { return c.in }

// SetLimiter bounds the rate at which Listen consumes inbound messages. It
// must be called before Listen.
func (c *Connection) SetLimiter(limiter *rate.Limiter) {
	c.limiter = limiter
}

// SetWriteTimeout changes how long a write may block. Zero disables the
// deadline.
func (c *Connection) SetWriteTimeout(timeout time.Duration) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.writeTimeout = timeout
}

// Send encodes a message and writes it to the socket in a single write.
func (c *Connection) Send(id wire.ID, values ...interface{}) error {
	data, err := wire.Encode(id, values...)
	if err != nil {
		return err
	}
	return c.WriteRaw(data)
}

// WriteRaw writes bytes that are not framed as a message, such as the
// handshake status byte. A write that fails or times out closes the
// connection, since part of a message may already have been sent.
func (c *Connection) WriteRaw(data []byte) error {
	if c.IsClosed() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.socket.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline for %s: %w", c.id.Short(), err)
		}
	}
	if _, err := c.socket.Write(data); err != nil {
		if c.IsClosed() {
			return ErrClosed
		}
		_ = c.Close()
		return fmt.Errorf("failed to send to %s: %w", c.id.Short(), err)
	}
	return nil
}

// Disconnect tells the peer why it is being dropped and then closes the socket.
// A failure to deliver the reason does not prevent the close.
func (c *Connection) Disconnect(reason string) error {
	sendErr := c.Send(wire.Leave, reason)
	if err := c.Close(); err != nil {
		return err
	}
	if sendErr != nil && !errors.Is(sendErr, ErrClosed) {
		return sendErr
	}
	return nil
}

// Close shuts the socket down. Only the first call has any effect.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.socket.Close()
	})
	return c.closeErr
}

func (c *Connection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Listen blocks reading one message identifier at a time and calls handle
// synchronously for each. handle must consume exactly the fields of the
// message. Listen returns the error that ended the loop: the error from
// handle, the read error, or ctx's error.
func (c *Connection) Listen(ctx context.Context, handle func(id wire.ID) error) error {
	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		id, err := c.in.ReadID()
		if err != nil {
			return err
		}
		if err := handle(id); err != nil {
			return err
		}
	}
}

// IsGracefulClose reports whether err is the expected end of a connection:
// the peer closed the stream or the socket was closed locally.
func IsGracefulClose(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled)
}
