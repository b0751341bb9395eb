package pop3

import (
	"context"
	"crypto/tls"
	"crypto/x509"

	gosasl "github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/store"
)

// State represents the current state in the POP3 state machine.
type State int

const (
	// StateAuthorization is the initial state where authentication is required.
	StateAuthorization State = iota

	// StateTransaction is the state after successful authentication.
	StateTransaction

	// StateUpdate is the state after QUIT from Transaction (for committing changes).
	StateUpdate
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Session represents a POP3 session with state tracking.
type Session struct {
	state State

	hostname     string
	listenerMode config.ListenerMode
	tlsConfig    *tls.Config
	isTLS        bool
	peerCert     *x509.Certificate

	username   string
	apopBanner string

	saslServer gosasl.Server
	saslMech   string

	store       store.Store
	mboxSession store.Session
	mailbox     store.Mailbox
}

// NewSession creates a new POP3 session.
func NewSession(hostname string, mode config.ListenerMode, tlsConfig *tls.Config, isTLS bool, peerCert *x509.Certificate) *Session {
	return &Session{
		state:        StateAuthorization,
		hostname:     hostname,
		listenerMode: mode,
		tlsConfig:    tlsConfig,
		isTLS:        isTLS || mode.IsImplicitTLS(),
		peerCert:     peerCert,
	}
}

// State returns the current POP3 state.
func (s *Session) State() State {
	return s.state
}

// SetTLSActive marks the connection as using TLS, called after a
// successful STLS upgrade.
func (s *Session) SetTLSActive() {
	s.isTLS = true
}

// IsTLSActive returns true if TLS is currently active.
func (s *Session) IsTLSActive() bool {
	return s.isTLS
}

// PeerCertificate returns the TLS client certificate presented on this
// connection, or nil.
func (s *Session) PeerCertificate() *x509.Certificate {
	return s.peerCert
}

// CanSTLS returns true if STLS command is available: only before
// authentication, on a plaintext ModePOP3 listener, with TLS configured.
func (s *Session) CanSTLS() bool {
	return s.state == StateAuthorization &&
		s.listenerMode == config.ModePOP3 &&
		!s.isTLS &&
		s.tlsConfig != nil
}

// TLSConfig returns the TLS configuration for STARTTLS.
func (s *Session) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// SetAPOPBanner records the greeting-time banner (RFC 1939's
// "<process-ID.clock@hostname>") that APOP's digest is computed against.
func (s *Session) SetAPOPBanner(banner string) {
	s.apopBanner = banner
}

// APOPBanner returns the banner issued in the greeting, or "" if the
// listener does not offer APOP (TLS not yet active and no plaintext
// banner was generated).
func (s *Session) APOPBanner() string {
	return s.apopBanner
}

// SetUsername stores the username from the USER command.
func (s *Session) SetUsername(username string) {
	s.username = username
}

// Username returns the stored username.
func (s *Session) Username() string {
	return s.username
}

// SetAuthenticated transitions to StateTransaction after successful
// authentication.
func (s *Session) SetAuthenticated(username string) {
	s.state = StateTransaction
	s.username = username
}

// IsAuthenticated returns true if in StateTransaction or StateUpdate.
func (s *Session) IsAuthenticated() bool {
	return s.state == StateTransaction || s.state == StateUpdate
}

// EnterUpdate transitions to StateUpdate (called when QUIT is received
// in Transaction).
func (s *Session) EnterUpdate() {
	if s.state == StateTransaction {
		s.state = StateUpdate
	}
}

// SetSASLServer sets the active SASL server for a multi-step exchange.
func (s *Session) SetSASLServer(mech string, server gosasl.Server) {
	s.saslMech = mech
	s.saslServer = server
}

// SASLServer returns the active SASL server, or nil if none.
func (s *Session) SASLServer() gosasl.Server {
	return s.saslServer
}

// ClearSASL clears the SASL state after completion or cancellation.
func (s *Session) ClearSASL() {
	s.saslServer = nil
	s.saslMech = ""
}

// IsSASLInProgress returns true if a SASL exchange is in progress.
func (s *Session) IsSASLInProgress() bool {
	return s.saslServer != nil
}

// Capabilities returns the list of capabilities for this session.
func (s *Session) Capabilities(advertisedSASL []string) []string {
	caps := []string{"TOP", "UIDL", "RESP-CODES"}

	if s.apopBanner != "" {
		caps = append(caps, "APOP")
	}
	if s.isTLS {
		caps = append([]string{"USER"}, caps...)
	}
	if len(advertisedSASL) > 0 {
		caps = append(caps, "SASL "+joinSpace(advertisedSASL))
	}
	if s.CanSTLS() {
		caps = append(caps, "STLS")
	}
	return caps
}

func joinSpace(items []string) string {
	out := items[0]
	for _, item := range items[1:] {
		out += " " + item
	}
	return out
}

// InitializeMailbox opens the authenticated user's mailbox for the
// duration of the transaction, called after successful authentication.
// A subaddressed username ("user+folder@domain") opens that folder
// instead of INBOX, via splitSubaddress.
func (s *Session) InitializeMailbox(ctx context.Context, st store.Store) error {
	user, folder := splitSubaddress(s.username)

	sess, err := st.Open(ctx, user)
	if err != nil {
		return err
	}
	mbox, err := sess.OpenMailbox(ctx, folder, false)
	if err != nil {
		_ = sess.Close()
		return err
	}
	s.store = st
	s.mboxSession = sess
	s.mailbox = mbox
	return nil
}

// Mailbox returns the open mailbox for this session, or nil if not
// authenticated.
func (s *Session) Mailbox() store.Mailbox {
	return s.mailbox
}

// Cleanup releases the session's mailbox handle when the connection
// ends.
func (s *Session) Cleanup(ctx context.Context, expunge bool) {
	if s.mailbox != nil {
		_ = s.mailbox.Close(ctx, expunge)
		s.mailbox = nil
	}
	if s.mboxSession != nil {
		_ = s.mboxSession.Close()
		s.mboxSession = nil
	}
}
