package imap

import (
	"context"
	"fmt"
	"strings"

	"github.com/infodancer/mailcore/internal/realm"
	"github.com/infodancer/mailcore/internal/sasl"
	"github.com/infodancer/mailcore/internal/store"
)

// capabilities builds the CAPABILITY list for the session's current
// state (spec.md §4.3.1): IMAP4rev2, the advertised SASL mechanisms,
// STARTTLS when available, and LOGINDISABLED when plaintext LOGIN is
// forbidden on an insecure channel.
func capabilities(sess *Session, engine *sasl.Engine) []string {
	caps := []string{"IMAP4rev2"}

	mechs := engine.AdvertisedMechanisms(sess.IsTLSActive())
	for _, m := range mechs {
		caps = append(caps, "AUTH="+m)
	}

	if sess.CanStartTLS() {
		caps = append(caps, "STARTTLS")
	}
	if !sess.IsTLSActive() && !engine.AllowPlaintextAuth() {
		caps = append(caps, "LOGINDISABLED")
	}
	caps = append(caps, "NAMESPACE", "QUOTA", "IDLE", "UIDPLUS", "MOVE")
	return caps
}

// capabilityCommand implements CAPABILITY (RFC 9051 §6.1.1).
type capabilityCommand struct {
	engine *sasl.Engine
}

func (c *capabilityCommand) Name() string { return "CAPABILITY" }

func (c *capabilityCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	return Response{
		Status:   "OK",
		Message:  "CAPABILITY completed",
		Untagged: []string{"CAPABILITY " + strings.Join(capabilities(sess, c.engine), " ")},
	}, nil
}

// noopCommand implements NOOP (RFC 9051 §6.1.2).
type noopCommand struct{}

func (n *noopCommand) Name() string { return "NOOP" }

func (n *noopCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	return Response{Status: "OK", Message: "NOOP completed"}, nil
}

// logoutCommand implements LOGOUT (RFC 9051 §6.1.3).
type logoutCommand struct{}

func (l *logoutCommand) Name() string { return "LOGOUT" }

func (l *logoutCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	sess.EnterLogout(ctx)
	return Response{
		Status:   "OK",
		Message:  "LOGOUT completed",
		Untagged: []string{"BYE IMAP4rev2 Server logging out"},
	}, nil
}

// starttlsCommand implements STARTTLS (RFC 9051 §6.2.1).
type starttlsCommand struct{}

func (s *starttlsCommand) Name() string { return "STARTTLS" }

func (s *starttlsCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{Status: "BAD", Message: "STARTTLS takes no arguments"}, nil
	}
	if sess.State() != StateNotAuthenticated {
		return Response{Status: "BAD", Message: "Command not valid in this state"}, nil
	}
	if !sess.CanStartTLS() {
		if sess.IsTLSActive() {
			return Response{Status: "BAD", Message: "Already using TLS"}, nil
		}
		return Response{Status: "NO", Message: "TLS not available"}, nil
	}
	return Response{Status: "OK", Message: "Begin TLS negotiation now"}, nil
}

// loginCommand implements LOGIN (RFC 9051 §6.2.3), IMAP's own plaintext
// credential exchange, distinct from the AUTHENTICATE/SASL path.
type loginCommand struct {
	realm  realm.Realm
	store  store.Store
	engine *sasl.Engine
}

func (l *loginCommand) Name() string { return "LOGIN" }

func (l *loginCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if sess.State() != StateNotAuthenticated {
		return Response{Status: "BAD", Message: "Command not valid in this state"}, nil
	}
	if len(args) != 2 {
		return Response{Status: "BAD", Message: "LOGIN requires userid and password"}, nil
	}
	if !sess.IsTLSActive() && !l.engine.AllowPlaintextAuth() {
		return Response{Status: "NO", Code: "PRIVACYREQUIRED", Message: "Plaintext LOGIN refused on an insecure channel"}, nil
	}

	username, password := args[0], args[1]
	ok, err := l.realm.PasswordMatch(ctx, username, password)
	if err != nil || !ok {
		conn.Logger().Info("LOGIN authentication failed", "username", username)
		return Response{Status: "NO", Code: "AUTHENTICATIONFAILED", Message: "Authentication failed"}, nil
	}

	return finishAuthentication(ctx, sess, conn, l.store, username)
}

// finishAuthentication transitions the session to AUTHENTICATED and opens
// the user's store session, shared by LOGIN and a completed AUTHENTICATE
// exchange.
func finishAuthentication(ctx context.Context, sess *Session, conn Conn, st store.Store, username string) (Response, error) {
	if st != nil {
		if err := sess.SetStore(ctx, st, username); err != nil {
			conn.Logger().Error("failed to open store session", "username", username, "error", err.Error())
			return Response{Status: "NO", Message: "Login failed"}, nil
		}
	}
	sess.SetUsername(username)
	conn.Logger().Info("authentication successful", "username", username)
	return Response{Status: "OK", Code: "CAPABILITY IMAP4rev2", Message: fmt.Sprintf("LOGIN completed, welcome %s", username)}, nil
}

// authenticateCommand implements AUTHENTICATE (RFC 9051 §6.2.2), driving
// the shared SASL engine.
type authenticateCommand struct {
	engine *sasl.Engine
	store  store.Store
}

func (a *authenticateCommand) Name() string { return "AUTHENTICATE" }

func (a *authenticateCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if sess.State() != StateNotAuthenticated {
		return Response{Status: "BAD", Message: "Command not valid in this state"}, nil
	}
	if len(args) < 1 {
		return Response{Status: "BAD", Message: "AUTHENTICATE requires a mechanism name"}, nil
	}
	mechanism := strings.ToUpper(args[0])

	server, err := a.engine.NewServer(mechanism, sess.IsTLSActive(), sess.PeerCertificate())
	if err != nil {
		return Response{Status: "NO", Message: fmt.Sprintf("Unsupported mechanism: %s", mechanism)}, nil
	}
	sess.SetSASLServer(mechanism, server)

	var initialResponse []byte
	if len(args) > 1 {
		if args[1] == "=" {
			initialResponse = []byte{}
		} else {
			initialResponse, err = DecodeSASLResponse(args[1])
			if err != nil {
				sess.ClearSASL()
				return Response{Status: "BAD", Message: "Invalid base64 encoding"}, nil
			}
		}
		return a.processSASLStep(ctx, sess, conn, initialResponse)
	}

	return Response{Continuation: true}, nil
}

// processSASLStep advances the in-progress SASL exchange and, once
// complete, resolves the authenticated principal via the
// sasl.AuthenticatedUser interface.
func (a *authenticateCommand) processSASLStep(ctx context.Context, sess *Session, conn Conn, response []byte) (Response, error) {
	server := sess.SASLServer()
	if server == nil {
		return Response{Status: "NO", Message: "No SASL exchange in progress"}, nil
	}

	challenge, done, err := server.Next(response)
	if err != nil {
		sess.ClearSASL()
		return Response{Status: "NO", Code: "AUTHENTICATIONFAILED", Message: "Authentication failed"}, nil
	}

	if !done {
		return Response{Continuation: true, ContinuationText: EncodeSASLChallenge(challenge)}, nil
	}

	au, ok := server.(sasl.AuthenticatedUser)
	sess.ClearSASL()
	if !ok || au.Username() == "" {
		conn.Logger().Error("SASL mechanism completed without an authenticated identity")
		return Response{Status: "NO", Code: "AUTHENTICATIONFAILED", Message: "Authentication failed"}, nil
	}

	return finishAuthentication(ctx, sess, conn, a.store, au.Username())
}

// ProcessSASLResponse processes a SASL response line received while the
// handler's command loop is mid-exchange.
func (a *authenticateCommand) ProcessSASLResponse(ctx context.Context, sess *Session, conn Conn, line string) (Response, error) {
	if line == "*" {
		sess.ClearSASL()
		return Response{Status: "BAD", Message: "Authentication cancelled"}, nil
	}

	response, err := DecodeSASLResponse(line)
	if err != nil {
		sess.ClearSASL()
		return Response{Status: "BAD", Message: "Invalid base64 encoding"}, nil
	}

	return a.processSASLStep(ctx, sess, conn, response)
}

// RegisterAuthCommands registers every NOT_AUTHENTICATED-phase command
// into r.
func RegisterAuthCommands(r *Registry, rlm realm.Realm, st store.Store, engine *sasl.Engine) {
	r.Register(&capabilityCommand{engine: engine})
	r.Register(&noopCommand{})
	r.Register(&logoutCommand{})
	r.Register(&starttlsCommand{})
	r.Register(&loginCommand{realm: rlm, store: st, engine: engine})
	r.Register(&authenticateCommand{engine: engine, store: st})
}
