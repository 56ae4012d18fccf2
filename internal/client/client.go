// Package client holds the single server connection of a snowfight player and
// dispatches the messages the server sends to bound actions.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/snowfight/snowfight/internal/conn"
	"github.com/snowfight/snowfight/internal/security"
	"github.com/snowfight/snowfight/internal/wire"
)

var (
	// ErrRejected is returned when the server answers the handshake with
	// anything but the accepted status.
	ErrRejected = errors.New("connection rejected by server")
	// ErrIdentifierReserved is returned when binding an action to an
	// identifier below 1.
	ErrIdentifierReserved = errors.New("message identifier is reserved")
	// ErrActionBound is returned when an identifier already has an action.
	ErrActionBound = errors.New("message identifier already has an action")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("client is already running")
)

// ServerAction handles one message from the server. It must read exactly the
// fields of the message from c.In(). Returning an error ends the connection.
type ServerAction func(c *Client) error

// Client is a connection to a snowfight server.
type Client struct {
	// MessageLogging traces every dispatched message.
	MessageLogging bool

	conn   *conn.Connection
	logger logrus.FieldLogger

	actionsMu sync.RWMutex
	actions   map[wire.ID]ServerAction

	running     atomic.Bool
	done        chan struct{}
	err         error
	leaveReason atomic.Value
}

// New wraps an already handshaken socket and waits for the server to accept
// it. The socket is closed if the server rejects it.
func New(socket net.Conn, logger logrus.FieldLogger) (*Client, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &Client{
		conn:    conn.New(socket),
		actions: make(map[wire.ID]ServerAction),
		done:    make(chan struct{}),
	}
	c.logger = logger.WithField("connection", c.conn.ID().Short())
	c.actions[wire.Leave] = c.serverLeft

	status, err := c.conn.In().ReadUint8()
	if err != nil {
		_ = c.conn.Close()
		return nil, fmt.Errorf("error reading handshake status: %w", err)
	}
	if status != wire.Accepted {
		_ = c.conn.Close()
		return nil, fmt.Errorf("%w: status %d", ErrRejected, status)
	}
	return c, nil
}

// Dial connects to address with sec and returns the accepted client.
func Dial(ctx context.Context, sec *security.Context, address string, logger logrus.FieldLogger) (*Client, error) {
	socket, err := sec.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	return New(socket, logger)
}

func (c *Client) ID() conn.ID { return c.conn.ID() }

// In returns the reader actions use to decode their message's fields.
func (c *Client) In() *wire.Reader { return c.conn.In() }

// ReadPlayerNumber reads the player number a snowfight server sends right
// after accepting a client. It must be called before Run.
func (c *Client) ReadPlayerNumber() (int32, error) {
	if c.running.Load() {
		return 0, ErrAlreadyRunning
	}
	return c.conn.In().ReadInt32()
}

// Send encodes and writes a message to the server.
func (c *Client) Send(id wire.ID, values ...interface{}) error {
	return c.conn.Send(id, values...)
}

// AddServerAction binds action to id. The first registration wins.
func (c *Client) AddServerAction(id wire.ID, action ServerAction) error {
	if id < 1 {
		return fmt.Errorf("%w: %d", ErrIdentifierReserved, id)
	}
	c.actionsMu.Lock()
	defer c.actionsMu.Unlock()

	if _, ok := c.actions[id]; ok {
		return fmt.Errorf("%w: %d", ErrActionBound, id)
	}
	c.actions[id] = action
	return nil
}

// ReplaceServerAction binds action to id and returns the action it replaced.
func (c *Client) ReplaceServerAction(id wire.ID, action ServerAction) (ServerAction, error) {
	if id < 1 {
		return nil, fmt.Errorf("%w: %d", ErrIdentifierReserved, id)
	}
	c.actionsMu.Lock()
	defer c.actionsMu.Unlock()

	previous := c.actions[id]
	c.actions[id] = action
	return previous, nil
}

// RemoveServerAction unbinds id and returns the action that was bound.
func (c *Client) RemoveServerAction(id wire.ID) ServerAction {
	if id < 1 {
		return nil
	}
	c.actionsMu.Lock()
	defer c.actionsMu.Unlock()

	previous := c.actions[id]
	delete(c.actions, id)
	return previous
}

// Run starts the background loop that receives and dispatches messages. The
// loop ends when the connection does or ctx is cancelled, which closes the
// connection; Done and Err report how.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	go func() {
		select {
		case <-ctx.Done():
			c.Shutdown()
		case <-c.done:
		}
	}()
	go c.listen(ctx)
	return nil
}

func (c *Client) listen(ctx context.Context) {
	defer close(c.done)
	defer c.closeAndRecover()

	err := c.conn.Listen(ctx, c.dispatch)
	if conn.IsGracefulClose(err) {
		c.logger.Debugf("[CLIENT] connection ended: %v", err)
		return
	}
	c.logger.Warnf("[CLIENT] error in server communication: %v", err)
	c.err = err
}

func (c *Client) closeAndRecover() {
	if err := recover(); err != nil {
		c.logger.Errorf("[CLIENT] action panicked: %v", err)
		c.err = fmt.Errorf("action panicked: %v", err)
	}
	_ = c.conn.Close()
}

func (c *Client) dispatch(id wire.ID) error {
	if c.MessageLogging {
		c.logger.WithField("connection", c.ID().Short()).
			Tracef("[CLIENT] received %s (%d)", wire.ClientBoundName(id), id)
	}

	c.actionsMu.RLock()
	action, ok := c.actions[id]
	c.actionsMu.RUnlock()

	if !ok {
		c.logger.Warnf("[CLIENT] no action bound to message %d", id)
		return nil
	}
	return action(c)
}

// serverLeft handles the server dropping this client.
func (c *Client) serverLeft(*Client) error {
	reason, err := c.conn.In().ReadString()
	if err != nil {
		return err
	}
	c.leaveReason.Store(reason)
	c.logger.Infof("[CLIENT] disconnected by server: %s", reason)
	c.Shutdown()
	return nil
}

// LeaveReason returns the reason the server gave for dropping this client, if
// it gave one.
func (c *Client) LeaveReason() string {
	reason, _ := c.leaveReason.Load().(string)
	return reason
}

// Done is closed once the receive loop started by Run has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the receive loop, or nil if it ended
// gracefully. It is only meaningful once Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Disconnect tells the server this client is leaving and closes the
// connection.
func (c *Client) Disconnect(reason string) error {
	return c.conn.Disconnect(reason)
}

// Shutdown closes the connection without notifying the server.
func (c *Client) Shutdown() {
	_ = c.conn.Close()
}
