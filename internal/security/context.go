// Package security builds the TLS contexts used by the snowfight server and
// client from password protected PKCS#12 keystores.
package security

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"
)

// Context is a TLS configuration that can mint accepting server sockets and
// handshaken client connections.
type Context struct {
	Protocol Protocol

	keystore *Keystore
	logger   logrus.FieldLogger
}

// NewContext decodes the keystore read from r with password and prepares a
// context for the named protocol. Protocols older than TLS 1.2 are allowed but
// logged as deprecated.
func NewContext(r io.Reader, password, protocolName string, logger logrus.FieldLogger) (*Context, error) {
	protocol, err := ParseProtocol(protocolName)
	if err != nil {
		return nil, err
	}

	keystore, err := LoadKeystore(r, password)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if protocol.Deprecated() {
		logger.Warnf("[SECURITY] using deprecated protocol %s; use TLSv1.2 or newer", protocol)
	}

	return &Context{Protocol: protocol, keystore: keystore, logger: logger}, nil
}

// ServerConfig returns the TLS configuration for accepting sockets. It fails if
// the keystore only holds trust material.
func (c *Context) ServerConfig() (*tls.Config, error) {
	if c.keystore.Certificate == nil {
		return nil, &ConfigurationError{Reason: "keystore has no private key for a server"}
	}
	minVersion, maxVersion := c.Protocol.versions()
	return &tls.Config{
		Certificates: []tls.Certificate{*c.keystore.Certificate},
		MinVersion:   minVersion,
		MaxVersion:   maxVersion,
	}, nil
}

// ClientConfig returns the TLS configuration for connecting to serverName,
// trusting the certificates held in the keystore.
func (c *Context) ClientConfig(serverName string) *tls.Config {
	minVersion, maxVersion := c.Protocol.versions()
	config := &tls.Config{
		RootCAs:    c.keystore.Roots,
		ServerName: serverName,
		MinVersion: minVersion,
		MaxVersion: maxVersion,
	}
	if c.keystore.Certificate != nil {
		config.Certificates = []tls.Certificate{*c.keystore.Certificate}
	}
	return config
}

// Listen opens an accepting TLS socket on address. Accepted connections are
// returned before their handshake; callers complete it per connection with
// Handshake so one failed handshake never stalls the listener.
func (c *Context) Listen(address string) (net.Listener, error) {
	config, err := c.ServerConfig()
	if err != nil {
		return nil, err
	}
	listener, err := tls.Listen("tcp", address, config)
	if err != nil {
		return nil, fmt.Errorf("error listening on %s: %w", address, err)
	}
	return listener, nil
}

// Dial connects to address and completes the TLS handshake before returning.
func (c *Context) Dial(ctx context.Context, address string) (*tls.Conn, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", address, err)
	}

	dialer := &tls.Dialer{Config: c.ClientConfig(host)}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", address, err)
	}
	return conn.(*tls.Conn), nil
}

// Handshake completes the server side handshake of an accepted connection.
func Handshake(ctx context.Context, conn net.Conn) error {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("handshake with %s failed: %w", conn.RemoteAddr(), err)
	}
	return nil
}
