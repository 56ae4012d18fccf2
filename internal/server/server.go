// Package server accepts secure client connections, keeps the registry of
// live connections and dispatches their messages to bound actions.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/snowfight/snowfight/internal/conn"
	"github.com/snowfight/snowfight/internal/security"
	"github.com/snowfight/snowfight/internal/wire"
)

var (
	// ErrIdentifierReserved is returned when binding an action to an
	// identifier below 1, which are kept for transport control.
	ErrIdentifierReserved = errors.New("message identifier is reserved")
	// ErrActionBound is returned when an identifier already has an action.
	ErrActionBound = errors.New("message identifier already has an action")
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("server is already running")
)

const (
	defaultBacklog          = 50
	defaultHandshakeTimeout = 10 * time.Second

	// StoppedReason is sent to every connected client on Shutdown.
	StoppedReason = "Server has stopped."
)

// ClientAction handles one message received from c. clients is a snapshot of
// the registry taken when the message arrived. Returning an error ends the
// connection.
type ClientAction func(c *conn.Connection, clients []*conn.Connection) error

// ClientHook is run when a connection joins or leaves the registry.
type ClientHook func(c *conn.Connection, clients []*conn.Connection)

// Options tunes a Server. The zero value is usable.
type Options struct {
	// Backlog bounds the accepted connections still completing their
	// handshake. Connections beyond it are closed immediately.
	Backlog int
	// MaxConnections pauses accepting while that many clients are
	// registered. Zero means no limit.
	MaxConnections int
	// WriteTimeout bounds every write to a client, so one that stops reading
	// fails its sends instead of stalling the sender. Defaults to
	// conn.DefaultWriteTimeout.
	WriteTimeout time.Duration
	// MessagesPerSecond and Burst limit how fast each connection's messages
	// are consumed. Zero disables the limit.
	MessagesPerSecond float64
	Burst             int
	HandshakeTimeout  time.Duration
	// MessageLogging traces every dispatched message.
	MessageLogging bool

	// Commands is read line by line for operator commands. Output receives
	// their responses and defaults to stdout.
	Commands io.Reader
	Output   io.Writer
}

// Server is the registry and dispatcher for every connected client.
type Server struct {
	listener net.Listener
	logger   logrus.FieldLogger
	opts     Options

	actionsMu       sync.RWMutex
	actions         map[wire.ID]ClientAction
	connectHooks    []ClientHook
	disconnectHooks []ClientHook
	commands        map[string]commandEntry

	registry *registry

	gateMu      sync.Mutex
	accepting   bool
	gateChanged chan struct{}

	// acceptMu serializes registering accepted connections.
	acceptMu sync.Mutex
	pending  chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	running  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Server that accepts connections from listener, typically one
// returned by security.Context.Listen.
func New(listener net.Listener, logger logrus.FieldLogger, opts Options) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.Backlog <= 0 {
		opts.Backlog = defaultBacklog
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = conn.DefaultWriteTimeout
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		listener:    listener,
		logger:      logger,
		opts:        opts,
		actions:     make(map[wire.ID]ClientAction),
		commands:    make(map[string]commandEntry),
		registry:    newRegistry(),
		accepting:   true,
		gateChanged: make(chan struct{}),
		pending:     make(chan struct{}, opts.Backlog),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.actions[wire.Leave] = s.clientLeft
	s.addBuiltinCommands()
	return s
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// AddClientAction binds action to id. The first registration wins: binding an
// identifier that already has an action returns ErrActionBound.
func (s *Server) AddClientAction(id wire.ID, action ClientAction) error {
	if id < 1 {
		return fmt.Errorf("%w: %d", ErrIdentifierReserved, id)
	}
	s.actionsMu.Lock()
	defer s.actionsMu.Unlock()

	if _, ok := s.actions[id]; ok {
		return fmt.Errorf("%w: %d", ErrActionBound, id)
	}
	s.actions[id] = action
	return nil
}

// ReplaceClientAction binds action to id and returns the action it replaced,
// if any.
func (s *Server) ReplaceClientAction(id wire.ID, action ClientAction) (ClientAction, error) {
	if id < 1 {
		return nil, fmt.Errorf("%w: %d", ErrIdentifierReserved, id)
	}
	s.actionsMu.Lock()
	defer s.actionsMu.Unlock()

	previous := s.actions[id]
	s.actions[id] = action
	return previous, nil
}

// RemoveClientAction unbinds id and returns the action that was bound.
func (s *Server) RemoveClientAction(id wire.ID) ClientAction {
	if id < 1 {
		return nil
	}
	s.actionsMu.Lock()
	defer s.actionsMu.Unlock()

	previous := s.actions[id]
	delete(s.actions, id)
	return previous
}

// AddOnClientConnect registers a hook run after a connection has been
// accepted and registered. Hooks run one at a time on the accepting
// goroutine, so a slow hook delays every later connection.
func (s *Server) AddOnClientConnect(hook ClientHook) {
	s.actionsMu.Lock()
	defer s.actionsMu.Unlock()
	s.connectHooks = append(s.connectHooks, hook)
}

// AddOnClientDisconnect registers a hook run once for every connection
// removed from the registry, with the connections that remain.
func (s *Server) AddOnClientDisconnect(hook ClientHook) {
	s.actionsMu.Lock()
	defer s.actionsMu.Unlock()
	s.disconnectHooks = append(s.disconnectHooks, hook)
}

func (s *Server) hooks(connect bool) []ClientHook {
	s.actionsMu.RLock()
	defer s.actionsMu.RUnlock()
	if connect {
		return append([]ClientHook(nil), s.connectHooks...)
	}
	return append([]ClientHook(nil), s.disconnectHooks...)
}

// Clients returns a snapshot of the registered connections in the order they
// were accepted.
func (s *Server) Clients() []*conn.Connection {
	return s.registry.snapshot()
}

// Contains reports whether id is currently registered.
func (s *Server) Contains(id conn.ID) bool {
	return s.registry.contains(id)
}

// WasRemoved reports whether the connection with id was registered and has
// since been removed. Removed ids are remembered for a limited time.
func (s *Server) WasRemoved(id conn.ID) bool {
	return s.registry.wasRemoved(id)
}

// AllowClients resumes accepting new connections.
func (s *Server) AllowClients() {
	if s.stopping.Load() {
		return
	}
	s.setAccepting(true)
}

// DisallowClients stops accepting new connections. Registered connections
// are not affected.
func (s *Server) DisallowClients() {
	s.setAccepting(false)
}

func (s *Server) IsAcceptingClients() bool {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	return s.accepting
}

func (s *Server) setAccepting(accepting bool) {
	s.gateMu.Lock()
	changed := s.accepting != accepting
	s.accepting = accepting
	s.gateMu.Unlock()

	if changed {
		if accepting {
			s.logger.Info("[SERVER] accepting clients")
		} else {
			s.logger.Info("[SERVER] no longer accepting clients")
		}
		s.notifyGate()
	}
}

// notifyGate wakes the accept loop to re-evaluate whether it may accept.
func (s *Server) notifyGate() {
	s.gateMu.Lock()
	close(s.gateChanged)
	s.gateChanged = make(chan struct{})
	s.gateMu.Unlock()
}

func (s *Server) full() bool {
	return s.opts.MaxConnections > 0 && s.registry.len() >= s.opts.MaxConnections
}

// canAccept reports whether a new connection may be registered, and returns
// the channel that is closed when that may have changed.
func (s *Server) canAccept() (bool, <-chan struct{}) {
	s.gateMu.Lock()
	accepting, changed := s.accepting, s.gateChanged
	s.gateMu.Unlock()
	return accepting && !s.full() && !s.stopping.Load(), changed
}

// Run accepts connections and, when Options.Commands is set, operator
// commands until ctx is cancelled or Shutdown is called. It returns once the
// accept loop and every connection listener have exited.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-s.ctx.Done():
		}
	}()

	if s.opts.Commands != nil {
		go s.readCommands(s.opts.Commands)
	}

	s.logger.Infof("[SERVER] waiting for connections on %v", s.listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop()

	<-s.ctx.Done()
	s.wg.Wait()
	s.logger.Info("[SERVER] exited")
	return nil
}

// Shutdown disconnects every client with StoppedReason, stops accepting and
// closes the listening socket. Disconnect hooks are not run. Calls after the
// first do nothing.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.logger.Info("[SERVER] shutting down")
		s.stopping.Store(true)
		s.setAccepting(false)

		for _, c := range s.registry.removeAll() {
			if err := c.Disconnect(StoppedReason); err != nil {
				s.logger.WithField("connection", c.ID().Short()).Debugf("[SERVER] error disconnecting: %v", err)
			}
		}

		s.cancel()
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Warnf("[SERVER] error closing listener: %v", err)
		}
	})
}

// Done is closed once Shutdown has been called.
func (s *Server) Done() <-chan struct{} { return s.ctx.Done() }

// acceptLoop is only responsible for accepting sockets and spinning off a
// goroutine to handshake and register each of them.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		for {
			ok, changed := s.canAccept()
			if ok {
				break
			}
			select {
			case <-s.ctx.Done():
				return
			case <-changed:
			}
		}

		socket, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warnf("[SERVER] failed to accept connection: %v", err)
			continue
		}

		select {
		case s.pending <- struct{}{}:
		default:
			s.logger.Warnf("[SERVER] backlog full, dropping connection from %s", socket.RemoteAddr())
			_ = socket.Close()
			continue
		}

		s.wg.Add(1)
		go s.acceptClient(socket)
	}
}

// acceptClient completes the handshake for one socket and registers it. A
// failed handshake only affects this connection.
func (s *Server) acceptClient(socket net.Conn) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
	err := security.Handshake(ctx, socket)
	cancel()
	<-s.pending

	if err != nil {
		s.logger.Warnf("[SERVER] %v", err)
		_ = socket.Close()
		return
	}

	c := conn.New(socket)
	c.SetWriteTimeout(s.opts.WriteTimeout)
	s.register(c)
}

// register writes the handshake status byte, adds c to the registry, starts
// its listener and then runs the connect hooks.
func (s *Server) register(c *conn.Connection) {
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()

	logger := s.logger.WithField("connection", c.ID().Short())

	if ok, _ := s.canAccept(); !ok {
		logger.Infof("[SERVER] rejected connection from %s", c.RemoteAddr())
		_ = c.WriteRaw([]byte{wire.Rejected})
		_ = c.Close()
		return
	}
	if err := c.WriteRaw([]byte{wire.Accepted}); err != nil {
		logger.Warnf("[SERVER] failed to acknowledge connection: %v", err)
		_ = c.Close()
		return
	}

	s.registry.add(c)
	logger.Infof("[SERVER] accepted connection from %s", c.RemoteAddr())

	s.wg.Add(1)
	go s.listen(c)

	clients := s.registry.snapshot()
	for _, hook := range s.hooks(true) {
		hook(c, clients)
	}
}

// listen runs the receive loop of one connection and only returns once the
// connection has ended.
func (s *Server) listen(c *conn.Connection) {
	defer s.wg.Done()
	defer s.closeConnectionAndRecover(c)

	if s.opts.MessagesPerSecond > 0 {
		c.SetLimiter(rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst))
	}

	err := c.Listen(s.ctx, func(id wire.ID) error {
		return s.dispatch(c, id)
	})

	logger := s.logger.WithField("connection", c.ID().Short())
	if conn.IsGracefulClose(err) {
		logger.Debugf("[SERVER] connection ended: %v", err)
	} else {
		logger.Warnf("[SERVER] error in client communication: %v", err)
	}
}

func (s *Server) dispatch(c *conn.Connection, id wire.ID) error {
	if s.opts.MessageLogging {
		s.logger.WithField("connection", c.ID().Short()).
			Tracef("[SERVER] received %s (%d)", wire.ServerBoundName(id), id)
	}

	s.actionsMu.RLock()
	action, ok := s.actions[id]
	s.actionsMu.RUnlock()

	if !ok {
		s.logger.WithField("connection", c.ID().Short()).
			Warnf("[SERVER] no action bound to message %d", id)
		return nil
	}
	return action(c, s.registry.snapshot())
}

// closeConnectionAndRecover is the failsafe that catches any panics from an
// action and removes the client regardless of the state of the connection.
func (s *Server) closeConnectionAndRecover(c *conn.Connection) {
	if err := recover(); err != nil {
		s.logger.Errorf("[SERVER] error in client communication with %s: error=%v, trace: %s",
			c.ID().Short(), err, debug.Stack())
	}

	s.RemoveClient(c.ID())
	_ = c.Close()
}

// clientLeft handles a client announcing that it is leaving.
func (s *Server) clientLeft(c *conn.Connection, _ []*conn.Connection) error {
	reason, err := c.In().ReadString()
	if err != nil {
		return err
	}
	s.logger.WithField("connection", c.ID().Short()).Infof("[SERVER] client left: %s", reason)
	s.RemoveClient(c.ID())
	return nil
}

// RemoveClient closes the connection with id, removes it from the registry
// and runs the disconnect hooks. It reports whether anything was removed;
// removing an id that is not registered does nothing.
func (s *Server) RemoveClient(id conn.ID) bool {
	c, remaining, ok := s.registry.remove(id)
	if !ok {
		if !s.registry.wasRemoved(id) && !s.stopping.Load() {
			s.logger.WithField("connection", id.Short()).Debug("[SERVER] asked to remove an unknown connection")
		}
		return false
	}

	_ = c.Close()
	s.notifyGate()
	s.logger.WithField("connection", id.Short()).Infof("[SERVER] disconnected client %s", c.RemoteAddr())

	for _, hook := range s.hooks(false) {
		hook(c, remaining)
	}
	return true
}

// DisconnectAll sends reason to every client and removes it, running the
// disconnect hooks for each.
func (s *Server) DisconnectAll(reason string) {
	for _, c := range s.registry.snapshot() {
		if err := c.Send(wire.Leave, reason); err != nil {
			s.logger.WithField("connection", c.ID().Short()).Debugf("[SERVER] error sending leave: %v", err)
		}
		s.RemoveClient(c.ID())
	}
}
