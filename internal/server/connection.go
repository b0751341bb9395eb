package server

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync/atomic"
	"time"

	"github.com/infodancer/mailcore/internal/config"
)

// Connection wraps a network connection with buffered I/O, TLS upgrade
// support, and the read timeouts the protocol engines rely on between
// commands and during idle periods.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	mode config.ListenerMode

	idleTimeout    time.Duration
	commandTimeout time.Duration

	isTLS  atomic.Bool
	closed atomic.Bool
}

// ConnectionConfig configures a new Connection.
type ConnectionConfig struct {
	Conn           net.Conn
	Mode           config.ListenerMode
	IsTLS          bool
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
}

// NewConnection wraps a raw net.Conn for protocol handling.
func NewConnection(cc ConnectionConfig) *Connection {
	c := &Connection{
		conn:           cc.Conn,
		reader:         bufio.NewReader(cc.Conn),
		writer:         bufio.NewWriter(cc.Conn),
		mode:           cc.Mode,
		idleTimeout:    cc.IdleTimeout,
		commandTimeout: cc.CommandTimeout,
	}
	c.isTLS.Store(cc.IsTLS)
	return c
}

// Reader returns the buffered reader for the connection.
func (c *Connection) Reader() *bufio.Reader {
	return c.reader
}

// Writer returns the buffered writer for the connection.
func (c *Connection) Writer() *bufio.Writer {
	return c.writer
}

// Flush flushes any buffered output to the network.
func (c *Connection) Flush() error {
	return c.writer.Flush()
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Mode returns the listener mode the connection was accepted under.
func (c *Connection) Mode() config.ListenerMode {
	return c.mode
}

// IsTLS reports whether the connection is currently using TLS, either
// because the listener uses implicit TLS or because an in-band upgrade
// (STARTTLS/STLS) succeeded.
func (c *Connection) IsTLS() bool {
	return c.isTLS.Load()
}

// IsClosed reports whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		return c.conn.Close()
	}
	return nil
}

// SetCommandTimeout arms the read deadline used while waiting for a
// complete command line.
func (c *Connection) SetCommandTimeout() error {
	if c.commandTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.commandTimeout))
}

// ResetIdleTimeout re-arms the read deadline to the longer idle window,
// called after a command completes and the session is waiting for the
// client's next line.
func (c *Connection) ResetIdleTimeout() error {
	if c.idleTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
}

// PeerCertificate returns the client certificate presented during the TLS
// handshake, or nil if the connection is not TLS or the client presented
// none. Used by the EXTERNAL SASL mechanism.
func (c *Connection) PeerCertificate() *x509.Certificate {
	tlsConn, ok := c.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0]
}

// UpgradeToTLS performs a server-side TLS handshake over the existing
// connection and replaces the buffered reader/writer with ones backed by
// the TLS conn. Used for STARTTLS (IMAP) and STLS (POP3).
func (c *Connection) UpgradeToTLS(cfg *tls.Config) error {
	if c.IsTLS() {
		return ErrAlreadyTLS
	}

	tlsConn := tls.Server(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.isTLS.Store(true)
	return nil
}
