package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/infodancer/mailcore/internal/framing"
	"github.com/infodancer/mailcore/internal/logging"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/quota"
	"github.com/infodancer/mailcore/internal/realm"
	"github.com/infodancer/mailcore/internal/sasl"
	"github.com/infodancer/mailcore/internal/server"
	"github.com/infodancer/mailcore/internal/store"
)

// connAdapter bundles a server.Connection and a framing.Framer behind the
// Conn interface Command implementations receive.
type connAdapter struct {
	conn   *server.Connection
	framer *framing.Framer
	logger *slog.Logger
}

func (c *connAdapter) Logger() *slog.Logger { return c.logger }

func (c *connAdapter) ReadLine(ctx context.Context) (string, error) {
	return c.framer.ReadLine(ctx)
}

func (c *connAdapter) ReadLiteral(ctx context.Context, n int64, sink io.Writer) error {
	return c.framer.ReadLiteral(ctx, n, sink)
}

func (c *connAdapter) WriteLine(line string) error {
	_, err := c.conn.Writer().WriteString(line + "\r\n")
	return err
}

func (c *connAdapter) Flush() error { return c.conn.Flush() }

// minState gates a command to the lowest session state it may run in.
// Commands not listed here are valid in every state: CAPABILITY/NOOP/LOGOUT
// always, and STARTTLS/LOGIN/AUTHENTICATE self-check for
// StateNotAuthenticated in their own Execute (RFC 9051 §6.2 commands are
// only valid pre-authentication, which is a maximum rather than a minimum
// state and doesn't fit this table).
var minState = map[string]State{
	"SELECT":       StateAuthenticated,
	"EXAMINE":      StateAuthenticated,
	"CREATE":       StateAuthenticated,
	"DELETE":       StateAuthenticated,
	"RENAME":       StateAuthenticated,
	"SUBSCRIBE":    StateAuthenticated,
	"UNSUBSCRIBE":  StateAuthenticated,
	"LIST":         StateAuthenticated,
	"LSUB":         StateAuthenticated,
	"NAMESPACE":    StateAuthenticated,
	"STATUS":       StateAuthenticated,
	"APPEND":       StateAuthenticated,
	"GETQUOTA":     StateAuthenticated,
	"GETQUOTAROOT": StateAuthenticated,
	"SETQUOTA":     StateAuthenticated,
	"IDLE":         StateAuthenticated,

	"CLOSE":    StateSelected,
	"UNSELECT": StateSelected,
	"EXPUNGE":  StateSelected,
	"SEARCH":   StateSelected,
	"FETCH":    StateSelected,
	"STORE":    StateSelected,
	"COPY":     StateSelected,
	"MOVE":     StateSelected,
	"UID":      StateSelected,
}

// Handler builds an IMAP server.ConnectionHandler backed by rlm for
// authentication, st for mailbox access, engine for SASL AUTH/LOGIN, and
// quotaMgr (nil disables QUOTA support).
func Handler(hostname string, rlm realm.Realm, st store.Store, engine *sasl.Engine, quotaMgr quota.Manager, tlsConfig *tls.Config, collector metrics.Collector) server.ConnectionHandler {
	registry := NewRegistry()
	RegisterAuthCommands(registry, rlm, st, engine)
	RegisterMailboxCommands(registry)
	RegisterAppendCommand(registry, st, quotaMgr)
	RegisterFetchCommands(registry, st)
	RegisterIdleCommand(registry)
	RegisterQuotaCommands(registry, quotaMgr, rlm)

	return func(ctx context.Context, conn *server.Connection) {
		handleConnection(ctx, conn, registry, hostname, engine, tlsConfig, collector)
	}
}

func handleConnection(ctx context.Context, conn *server.Connection, registry *Registry, hostname string, engine *sasl.Engine, tlsConfig *tls.Config, collector metrics.Collector) {
	logger := logging.FromContext(ctx)

	collector.ConnectionOpened()
	defer collector.ConnectionClosed()

	if conn.IsTLS() {
		collector.TLSConnectionEstablished()
	}

	sess := NewSession(hostname, conn.Mode(), tlsConfig, conn.IsTLS(), conn.PeerCertificate())
	defer sess.Cleanup(ctx)

	adapter := &connAdapter{
		conn:   conn,
		framer: framing.New(conn.Reader(), framing.DefaultIMAPMaxLineLength),
		logger: logger,
	}

	logger.Info("starting IMAP session", "state", sess.State().String(), "tls", sess.IsTLSActive())

	greeting := fmt.Sprintf("* OK [CAPABILITY %s] %s IMAP4rev2 Server ready\r\n",
		strings.Join(capabilities(sess, engine), " "), hostname)
	if _, err := conn.Writer().WriteString(greeting); err != nil {
		logger.Error("failed to send greeting", "error", err.Error())
		return
	}
	if err := conn.Flush(); err != nil {
		logger.Error("failed to flush greeting", "error", err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("context cancelled, closing connection")
			return
		default:
		}

		if conn.IsClosed() {
			logger.Info("connection closed")
			return
		}

		if err := conn.SetCommandTimeout(); err != nil {
			logger.Error("failed to set command timeout", "error", err.Error())
			return
		}

		if sess.IsSASLInProgress() {
			handleSASLContinuation(ctx, sess, adapter, registry, collector)
			continue
		}

		line, err := adapter.ReadLine(ctx)
		if err != nil {
			if err == io.EOF {
				logger.Info("client closed connection")
				return
			}
			logger.Error("error reading command", "error", err.Error())
			return
		}

		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Error("failed to reset idle timeout", "error", err.Error())
			return
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		logger.Debug("received command", "line", line)

		tag, cmdName, args, err := ParseCommandLine(line)
		if err != nil {
			writeUntaggedBad(adapter, err.Error())
			continue
		}

		cmd, ok := registry.Get(cmdName)
		if !ok {
			writeTagged(adapter, tag, "BAD", "Unknown command")
			continue
		}

		if min, gated := minState[cmdName]; gated && sess.State() < min {
			writeTagged(adapter, tag, "BAD", "Command not valid in this state")
			continue
		}

		logger.Debug("executing command", "command", cmdName)
		collector.CommandProcessed(cmdName)

		resp, err := cmd.Execute(ctx, sess, adapter, tag, args)
		if err != nil {
			logger.Error("command execution error", "command", cmdName, "error", err.Error())
			writeTagged(adapter, tag, "NO", "Internal server error")
			continue
		}

		if _, err := conn.Writer().WriteString(resp.String(tag)); err != nil {
			logger.Error("failed to send response", "error", err.Error())
			return
		}
		if err := conn.Flush(); err != nil {
			logger.Error("failed to flush response", "error", err.Error())
			return
		}

		if (cmdName == "LOGIN" || cmdName == "AUTHENTICATE") && !resp.Continuation {
			collector.AuthAttempt(extractDomain(sess.Username()), resp.Status == "OK")
		}

		switch cmdName {
		case "STARTTLS":
			if resp.Status == "OK" {
				if err := upgradeToTLS(conn, sess); err != nil {
					logger.Error("TLS upgrade failed", "error", err.Error())
					return
				}
				adapter.framer = framing.New(conn.Reader(), framing.DefaultIMAPMaxLineLength)
				collector.TLSConnectionEstablished()
				logger.Info("TLS upgrade successful")
			}

		case "LOGOUT":
			logger.Info("LOGOUT command received, closing connection")
			return
		}
	}
}

// handleSASLContinuation routes a non-tagged line to AUTHENTICATE's
// in-progress SASL exchange.
func handleSASLContinuation(ctx context.Context, sess *Session, conn *connAdapter, registry *Registry, collector metrics.Collector) {
	line, err := conn.ReadLine(ctx)
	if err != nil {
		sess.ClearSASL()
		return
	}

	authCmd, ok := registry.Get("AUTHENTICATE")
	if !ok {
		sess.ClearSASL()
		return
	}
	a, ok := authCmd.(*authenticateCommand)
	if !ok {
		sess.ClearSASL()
		return
	}

	resp, err := a.ProcessSASLResponse(ctx, sess, conn, line)
	if err != nil {
		sess.ClearSASL()
		return
	}

	if _, err := conn.conn.Writer().WriteString(resp.String("*")); err != nil {
		return
	}
	_ = conn.Flush()

	if !resp.Continuation {
		collector.AuthAttempt(extractDomain(sess.Username()), resp.Status == "OK")
		collector.CommandProcessed("AUTHENTICATE")
	}
}

// upgradeToTLS performs the TLS upgrade after a successful STARTTLS.
func upgradeToTLS(conn *server.Connection, sess *Session) error {
	tlsConfig := sess.TLSConfig()
	if tlsConfig == nil {
		return fmt.Errorf("no TLS configuration available")
	}
	if err := conn.UpgradeToTLS(tlsConfig); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	sess.SetTLSActive()
	return nil
}

func writeTagged(conn *connAdapter, tag, status, message string) {
	resp := Response{Status: status, Message: message}
	_, _ = conn.conn.Writer().WriteString(resp.String(tag))
	_ = conn.Flush()
}

func writeUntaggedBad(conn *connAdapter, message string) {
	resp := Response{Status: "BAD", Message: message}
	_, _ = conn.conn.Writer().WriteString(resp.String("*"))
	_ = conn.Flush()
}

// extractDomain extracts the domain part of a username for metrics
// labeling, falling back to "unknown" for unqualified usernames.
func extractDomain(username string) string {
	if idx := strings.LastIndex(username, "@"); idx >= 0 {
		return username[idx+1:]
	}
	return "unknown"
}
