package imap

import (
	"context"
	"crypto/tls"
	"crypto/x509"

	gosasl "github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/store"
)

// State represents the current state in the IMAP4rev2 session state
// machine (RFC 9051 §3).
type State int

const (
	// StateNotAuthenticated is the initial state.
	StateNotAuthenticated State = iota
	// StateAuthenticated follows a successful LOGIN/AUTHENTICATE.
	StateAuthenticated
	// StateSelected follows a successful SELECT/EXAMINE.
	StateSelected
	// StateLogout is terminal; no further commands are processed.
	StateLogout
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateNotAuthenticated:
		return "NOT_AUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateSelected:
		return "SELECTED"
	case StateLogout:
		return "LOGOUT"
	default:
		return "UNKNOWN"
	}
}

// SelectedMailbox is the context established by a successful SELECT or
// EXAMINE: the open mailbox handle plus the attributes reported at
// selection time and not re-queried per command.
type SelectedMailbox struct {
	Name       string
	Mailbox    store.Mailbox
	ReadOnly   bool
	Permanent  []string
	UIDValid   uint32
	UIDNext    uint32
	MsgCount   int
}

// Session represents one IMAP connection's state: the protocol state
// machine, the selected-mailbox context, SASL sub-state, and the
// authenticated principal.
type Session struct {
	state State

	hostname     string
	listenerMode config.ListenerMode
	tlsConfig    *tls.Config
	isTLS        bool
	peerCert     *x509.Certificate

	username string

	saslServer gosasl.Server
	saslMech   string

	store       store.Store
	mboxSession store.Session
	selected    *SelectedMailbox

	idling bool
}

// NewSession creates a new IMAP session in StateNotAuthenticated.
func NewSession(hostname string, mode config.ListenerMode, tlsConfig *tls.Config, isTLS bool, peerCert *x509.Certificate) *Session {
	return &Session{
		state:        StateNotAuthenticated,
		hostname:     hostname,
		listenerMode: mode,
		tlsConfig:    tlsConfig,
		isTLS:        isTLS,
		peerCert:     peerCert,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	return s.state
}

// SetTLSActive marks the connection as TLS-secured after a successful
// STARTTLS handshake.
func (s *Session) SetTLSActive() {
	s.isTLS = true
}

// IsTLSActive reports whether the connection is currently TLS-secured.
func (s *Session) IsTLSActive() bool {
	return s.isTLS
}

// PeerCertificate returns the client certificate presented during the TLS
// handshake, if any, for the EXTERNAL SASL mechanism.
func (s *Session) PeerCertificate() *x509.Certificate {
	return s.peerCert
}

// CanStartTLS reports whether STARTTLS is both configured and not already
// active.
func (s *Session) CanStartTLS() bool {
	return s.tlsConfig != nil && !s.isTLS
}

// TLSConfig returns the TLS configuration available for STARTTLS.
func (s *Session) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// SetUsername records the authenticated principal and transitions out of
// NOT_AUTHENTICATED.
func (s *Session) SetUsername(username string) {
	s.username = username
	if s.state == StateNotAuthenticated {
		s.state = StateAuthenticated
	}
}

// Username returns the authenticated principal, or "" if not yet
// authenticated.
func (s *Session) Username() string {
	return s.username
}

// IsAuthenticated reports whether the session has an authenticated
// principal.
func (s *Session) IsAuthenticated() bool {
	return s.username != ""
}

// SetSASLServer records the in-progress SASL exchange for AUTHENTICATE
// continuations.
func (s *Session) SetSASLServer(mech string, server gosasl.Server) {
	s.saslMech = mech
	s.saslServer = server
}

// SASLServer returns the active SASL server, or nil if none.
func (s *Session) SASLServer() gosasl.Server {
	return s.saslServer
}

// ClearSASL clears the SASL state after completion, failure, or a client
// abort.
func (s *Session) ClearSASL() {
	s.saslServer = nil
	s.saslMech = ""
}

// IsSASLInProgress returns true if an AUTHENTICATE exchange is in
// progress.
func (s *Session) IsSASLInProgress() bool {
	return s.saslServer != nil
}

// SetStore records the mailbox store used once authenticated, opening a
// per-connection session against it.
func (s *Session) SetStore(ctx context.Context, st store.Store, username string) error {
	sess, err := st.Open(ctx, username)
	if err != nil {
		return err
	}
	s.store = st
	s.mboxSession = sess
	return nil
}

// StoreSession returns the user's open store session, or nil before
// authentication completes.
func (s *Session) StoreSession() store.Session {
	return s.mboxSession
}

// Selected returns the currently selected mailbox context, or nil outside
// StateSelected.
func (s *Session) Selected() *SelectedMailbox {
	return s.selected
}

// EnterSelected closes any previously selected mailbox (expunging iff it
// was writable) and installs sel as the new selection, advancing the
// state to StateSelected.
func (s *Session) EnterSelected(ctx context.Context, sel *SelectedMailbox) error {
	if err := s.closeSelected(ctx, true); err != nil {
		return err
	}
	s.selected = sel
	s.state = StateSelected
	return nil
}

// LeaveSelected closes the current selection (expunging iff expunge is
// true and the mailbox was opened read-write) and returns to
// StateAuthenticated. A no-op outside StateSelected.
func (s *Session) LeaveSelected(ctx context.Context, expunge bool) error {
	if s.state != StateSelected {
		return nil
	}
	if err := s.closeSelected(ctx, expunge); err != nil {
		return err
	}
	s.selected = nil
	s.state = StateAuthenticated
	return nil
}

func (s *Session) closeSelected(ctx context.Context, expunge bool) error {
	if s.selected == nil {
		return nil
	}
	wantExpunge := expunge && !s.selected.ReadOnly
	return s.selected.Mailbox.Close(ctx, wantExpunge)
}

// EnterLogout transitions to the terminal LOGOUT state, closing any
// selected mailbox and store session.
func (s *Session) EnterLogout(ctx context.Context) {
	_ = s.closeSelected(ctx, false)
	s.selected = nil
	if s.mboxSession != nil {
		_ = s.mboxSession.Close()
	}
	s.state = StateLogout
}

// SetIdling marks the session as inside an IDLE suspension.
func (s *Session) SetIdling(idling bool) {
	s.idling = idling
}

// IsIdling reports whether the session is inside an IDLE suspension.
func (s *Session) IsIdling() bool {
	return s.idling
}

// Cleanup releases mailbox/store resources on connection teardown,
// discarding (not expunging) any selection that was never closed by
// CLOSE/UNSELECT/LOGOUT.
func (s *Session) Cleanup(ctx context.Context) {
	if s.selected != nil {
		_ = s.selected.Mailbox.Close(ctx, false)
		s.selected = nil
	}
	if s.mboxSession != nil {
		_ = s.mboxSession.Close()
		s.mboxSession = nil
	}
}
