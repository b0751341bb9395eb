package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/infodancer/mailcore/internal/config"
)

// ConnectionHandler processes a single accepted connection. It is
// responsible for the full protocol exchange and must return when the
// connection is done, closed, or ctx is cancelled.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// ListenerConfig configures a single network listener.
type ListenerConfig struct {
	Address        string
	Mode           config.ListenerMode
	TLSConfig      *tls.Config
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Handler        ConnectionHandler
	Limiter        *ConnectionLimiter
}

// Listener accepts connections for one address/mode pair and dispatches
// them to a ConnectionHandler, one goroutine per connection.
type Listener struct {
	cfg ListenerConfig
	ln  net.Listener
}

// NewListener creates a Listener from the given configuration. The
// underlying socket is not opened until Start is called.
func NewListener(cfg ListenerConfig) *Listener {
	return &Listener{cfg: cfg}
}

// Address returns the configured listen address.
func (l *Listener) Address() string {
	return l.cfg.Address
}

// Start opens the listening socket and accepts connections until ctx is
// cancelled or the listener is closed.
func (l *Listener) Start(ctx context.Context) error {
	var ln net.Listener
	var err error

	if l.cfg.Mode.IsImplicitTLS() {
		if l.cfg.TLSConfig == nil {
			return ErrTLSRequired
		}
		ln, err = tls.Listen("tcp", l.cfg.Address, l.cfg.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", l.cfg.Address)
	}
	if err != nil {
		return err
	}
	l.ln = ln

	logger := l.cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("listening",
		slog.String("address", l.cfg.Address),
		slog.String("mode", string(l.cfg.Mode)),
	)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}

		if l.cfg.Limiter != nil && !l.cfg.Limiter.TryAcquire() {
			logger.Warn("connection limit reached, rejecting", slog.String("remote", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}

		go l.serve(ctx, conn, logger)
	}
}

func (l *Listener) serve(ctx context.Context, nc net.Conn, logger *slog.Logger) {
	defer func() {
		if l.cfg.Limiter != nil {
			l.cfg.Limiter.Release()
		}
	}()
	defer nc.Close()

	_, isTLS := nc.(*tls.Conn)

	conn := NewConnection(ConnectionConfig{
		Conn:           nc,
		Mode:           l.cfg.Mode,
		IsTLS:          isTLS,
		IdleTimeout:    l.cfg.IdleTimeout,
		CommandTimeout: l.cfg.CommandTimeout,
	})

	if l.cfg.LogTransaction {
		logger.Debug("connection accepted",
			slog.String("remote", nc.RemoteAddr().String()),
			slog.Bool("tls", isTLS),
		)
	}

	connCtx := ctx
	l.cfg.Handler(connCtx, conn)
}

// Close stops the listener's accept loop.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
