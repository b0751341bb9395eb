package pop3

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/infodancer/mailcore/internal/logging"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/realm"
	"github.com/infodancer/mailcore/internal/sasl"
	"github.com/infodancer/mailcore/internal/server"
	"github.com/infodancer/mailcore/internal/store"
)

// connLogger adapts a *slog.Logger to the ConnectionLogger interface
// Command implementations receive.
type connLogger struct {
	logger *slog.Logger
}

func (c *connLogger) Logger() *slog.Logger {
	return c.logger
}

// Handler builds a POP3 server.ConnectionHandler backed by rlm for
// authentication, st for mailbox access, and engine for SASL AUTH.
func Handler(hostname string, rlm realm.Realm, st store.Store, engine *sasl.Engine, tlsConfig *tls.Config, collector metrics.Collector) server.ConnectionHandler {
	registry := NewRegistry()
	RegisterAuthCommands(registry, rlm, st, engine)
	RegisterTransactionCommands(registry)

	return func(ctx context.Context, conn *server.Connection) {
		handleConnection(ctx, conn, registry, hostname, tlsConfig, collector)
	}
}

// handleConnection drives a single POP3 connection's command loop from
// greeting through QUIT.
func handleConnection(ctx context.Context, conn *server.Connection, registry *Registry, hostname string, tlsConfig *tls.Config, collector metrics.Collector) {
	logger := logging.FromContext(ctx)

	collector.ConnectionOpened()
	defer collector.ConnectionClosed()

	if conn.IsTLS() {
		collector.TLSConnectionEstablished()
	}

	sess := NewSession(hostname, conn.Mode(), tlsConfig, conn.IsTLS(), conn.PeerCertificate())
	defer func() { sess.Cleanup(ctx, sess.State() == StateUpdate) }()

	banner := apopBanner(hostname)
	sess.SetAPOPBanner(banner)

	logger.Info("starting POP3 session", "state", sess.State().String(), "tls", sess.IsTLSActive())

	greeting := fmt.Sprintf("+OK %s POP3 server ready %s\r\n", hostname, banner)
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

		line, err := conn.Reader().ReadString('\n')
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

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		logger.Debug("received command", "line", line)

		if sess.IsSASLInProgress() {
			handleSASLContinuation(ctx, sess, conn, registry, logger, collector, line)
			continue
		}

		cmdName, args, err := ParseCommand(line)
		if err != nil {
			sendError(conn, "Invalid command")
			continue
		}

		cmd, ok := registry.Get(cmdName)
		if !ok {
			sendError(conn, "Unknown command")
			continue
		}

		logger.Debug("executing command", "command", cmdName, "args_count", len(args))
		collector.CommandProcessed(cmdName)

		resp, err := cmd.Execute(ctx, sess, &connLogger{logger}, args)
		if err != nil {
			logger.Error("command execution error", "command", cmdName, "error", err.Error())
			sendError(conn, "Internal server error")
			continue
		}

		if _, err := conn.Writer().WriteString(resp.String()); err != nil {
			logger.Error("failed to send response", "error", err.Error())
			return
		}
		if err := conn.Flush(); err != nil {
			logger.Error("failed to flush response", "error", err.Error())
			return
		}

		if cmdName == "PASS" || cmdName == "APOP" {
			collector.AuthAttempt(extractDomain(sess.Username()), resp.OK)
		}
		if resp.OK {
			recordMessageMetric(collector, extractDomain(sess.Username()), cmdName, resp)
		}

		switch cmdName {
		case "STLS":
			if resp.OK {
				if err := upgradeToTLS(ctx, conn, sess); err != nil {
					logger.Error("TLS upgrade failed", "error", err.Error())
					return
				}
				collector.TLSConnectionEstablished()
				logger.Info("TLS upgrade successful")
			}

		case "QUIT":
			if sess.State() == StateUpdate {
				uids, err := sess.Mailbox().Expunge(ctx)
				if err != nil {
					logger.Error("failed to expunge mailbox", "error", err.Error())
				} else if len(uids) > 0 {
					logger.Info("expunged messages", "count", len(uids))
				}
			}
			logger.Info("QUIT command received, closing connection")
			return
		}
	}
}

// handleSASLContinuation routes a non-command line to the AUTH command's
// in-progress SASL exchange.
func handleSASLContinuation(ctx context.Context, sess *Session, conn *server.Connection, registry *Registry, logger *slog.Logger, collector metrics.Collector, line string) {
	authCmd, ok := registry.Get("AUTH")
	if !ok {
		sess.ClearSASL()
		sendError(conn, "Internal server error")
		return
	}
	a, ok := authCmd.(*authCommand)
	if !ok {
		sess.ClearSASL()
		sendError(conn, "Internal server error")
		return
	}

	resp, err := a.ProcessSASLResponse(ctx, sess, &connLogger{logger}, line)
	if err != nil {
		logger.Error("SASL processing error", "error", err.Error())
		sess.ClearSASL()
		sendError(conn, "Internal server error")
		return
	}

	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		return
	}
	_ = conn.Flush()

	if resp.OK || (!resp.OK && !resp.Continuation) {
		collector.AuthAttempt(extractDomain(sess.Username()), resp.OK)
		collector.CommandProcessed("AUTH")
	}
}

// upgradeToTLS performs the TLS upgrade after a successful STLS command.
func upgradeToTLS(ctx context.Context, conn *server.Connection, sess *Session) error {
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

// sendError writes a bare -ERR response, used for parse/lookup failures
// that never reach a registered Command.
func sendError(conn *server.Connection, message string) {
	resp := Response{OK: false, Message: message}
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		return
	}
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

// recordMessageMetric reports message-level metrics for the commands
// the Collector interface cares about. It runs only on OK responses;
// commands rejected by state or argument checks never reach here.
func recordMessageMetric(collector metrics.Collector, domain, cmdName string, resp Response) {
	switch cmdName {
	case "RETR":
		var size int64
		fmt.Sscanf(resp.Message, "%d octets", &size)
		collector.MessageRetrieved(domain, size)
	case "DELE":
		collector.MessageDeleted(domain)
	case "LIST", "UIDL":
		collector.MessageListed(domain)
	}
}

// apopBanner builds the RFC 1939 greeting banner APOP's digest is
// computed against, from the process ID and the connection's accept
// time.
func apopBanner(hostname string) string {
	return fmt.Sprintf("<%d.%d@%s>", os.Getpid(), time.Now().UnixNano(), hostname)
}
