package pop3

import (
	"context"
	"fmt"
	"strings"

	"github.com/infodancer/mailcore/internal/realm"
	"github.com/infodancer/mailcore/internal/sasl"
	"github.com/infodancer/mailcore/internal/store"
)

// capaCommand implements the CAPA command (RFC 2449).
type capaCommand struct {
	engine *sasl.Engine
}

func (c *capaCommand) Name() string {
	return "CAPA"
}

func (c *capaCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "CAPA command takes no arguments"}, nil
	}

	caps := sess.Capabilities(c.engine.AdvertisedMechanisms(sess.IsTLSActive()))

	return Response{
		OK:      true,
		Message: "Capability list follows",
		Lines:   caps,
	}, nil
}

// stlsCommand implements the STLS command (RFC 2595).
type stlsCommand struct{}

func (s *stlsCommand) Name() string {
	return "STLS"
}

func (s *stlsCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "STLS command takes no arguments"}, nil
	}

	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if !sess.CanSTLS() {
		if sess.IsTLSActive() {
			return Response{OK: false, Message: "Already using TLS"}, nil
		}
		return Response{OK: false, Message: "TLS not available"}, nil
	}

	return Response{OK: true, Message: "Begin TLS negotiation"}, nil
}

// userCommand implements the USER command (RFC 1939).
type userCommand struct{}

func (u *userCommand) Name() string {
	return "USER"
}

func (u *userCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "USER command requires username argument"}, nil
	}

	username := args[0]
	if username == "" {
		return Response{OK: false, Message: "Username cannot be empty"}, nil
	}

	sess.SetUsername(username)

	return Response{OK: true, Message: fmt.Sprintf("User %s accepted", username)}, nil
}

// passCommand implements the PASS command (RFC 1939).
type passCommand struct {
	realm realm.Realm
	store store.Store
}

func (p *passCommand) Name() string {
	return "PASS"
}

func (p *passCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	username := sess.Username()
	if username == "" {
		return Response{OK: false, Message: "No username specified"}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "PASS command requires password argument"}, nil
	}
	password := args[0]

	ok, err := p.realm.PasswordMatch(ctx, username, password)
	if err != nil || !ok {
		conn.Logger().Info("authentication failed", "username", username)
		return Response{OK: false, Message: "Authentication failed"}, nil
	}

	return finishAuthentication(ctx, sess, conn, p.store, username)
}

// apopCommand implements the APOP command (RFC 1939), authenticating
// against the greeting-time banner without sending the password in
// the clear.
type apopCommand struct {
	realm realm.Realm
	store store.Store
}

func (a *apopCommand) Name() string {
	return "APOP"
}

func (a *apopCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) != 2 {
		return Response{OK: false, Message: "APOP command requires username and digest"}, nil
	}
	if sess.APOPBanner() == "" {
		return Response{OK: false, Message: "APOP not available"}, nil
	}

	username, digest := args[0], args[1]

	expected, err := a.realm.APOPResponse(ctx, username, sess.APOPBanner())
	if err == realm.ErrUnsupported || err == realm.ErrNoSuchUser {
		return Response{OK: false, Message: "Authentication failed"}, nil
	}
	if err != nil {
		return Response{OK: false, Message: "Authentication failed"}, nil
	}
	if !strings.EqualFold(expected, digest) {
		conn.Logger().Info("APOP authentication failed", "username", username)
		return Response{OK: false, Message: "Authentication failed"}, nil
	}

	return finishAuthentication(ctx, sess, conn, a.store, username)
}

// finishAuthentication transitions the session to TRANSACTION state and
// opens the user's mailbox, shared by PASS, APOP, and a completed AUTH
// exchange.
func finishAuthentication(ctx context.Context, sess *Session, conn ConnectionLogger, st store.Store, username string) (Response, error) {
	sess.SetAuthenticated(username)

	if st != nil {
		if err := sess.InitializeMailbox(ctx, st); err != nil {
			conn.Logger().Error("failed to initialize mailbox", "username", username, "error", err.Error())
			return Response{OK: false, Message: "Failed to access mailbox"}, nil
		}
	}

	conn.Logger().Info("authentication successful", "username", username)
	return Response{OK: true, Message: fmt.Sprintf("Logged in as %s", username)}, nil
}

// quitCommand implements the QUIT command (RFC 1939).
type quitCommand struct{}

func (q *quitCommand) Name() string {
	return "QUIT"
}

func (q *quitCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "QUIT command takes no arguments"}, nil
	}

	var message string
	switch sess.State() {
	case StateAuthorization:
		message = "Goodbye"
	case StateTransaction:
		sess.EnterUpdate()
		message = "Logging out"
	default:
		message = "Goodbye"
	}

	return Response{OK: true, Message: message}, nil
}

// authCommand implements the AUTH command (RFC 5034).
type authCommand struct {
	engine *sasl.Engine
	store  store.Store
}

func (a *authCommand) Name() string {
	return "AUTH"
}

func (a *authCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) < 1 {
		return Response{OK: false, Message: "AUTH command requires mechanism argument"}, nil
	}
	mechanism := strings.ToUpper(args[0])

	server, err := a.engine.NewServer(mechanism, sess.IsTLSActive(), sess.PeerCertificate())
	if err != nil {
		return Response{OK: false, Message: fmt.Sprintf("Unsupported mechanism: %s", mechanism)}, nil
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
				return Response{OK: false, Message: "Invalid base64 encoding"}, nil
			}
		}
		return a.processSASLStep(ctx, sess, conn, initialResponse)
	}

	return Response{Continuation: true, Challenge: ""}, nil
}

// processSASLStep advances the in-progress SASL exchange and, once
// complete, resolves the authenticated principal from the sasl.Server
// via the AuthenticatedUser interface.
func (a *authCommand) processSASLStep(ctx context.Context, sess *Session, conn ConnectionLogger, response []byte) (Response, error) {
	server := sess.SASLServer()
	if server == nil {
		return Response{OK: false, Message: "No SASL exchange in progress"}, nil
	}

	challenge, done, err := server.Next(response)
	if err != nil {
		sess.ClearSASL()
		return Response{OK: false, Message: "Authentication failed"}, nil
	}

	if !done {
		return Response{Continuation: true, Challenge: EncodeSASLChallenge(challenge)}, nil
	}

	au, ok := server.(sasl.AuthenticatedUser)
	sess.ClearSASL()
	if !ok || au.Username() == "" {
		conn.Logger().Error("SASL mechanism completed without an authenticated identity")
		return Response{OK: false, Message: "Authentication failed"}, nil
	}

	return finishAuthentication(ctx, sess, conn, a.store, au.Username())
}

// ProcessSASLResponse processes a SASL response line received while the
// handler's command loop is mid-exchange.
func (a *authCommand) ProcessSASLResponse(ctx context.Context, sess *Session, conn ConnectionLogger, line string) (Response, error) {
	if line == "*" {
		sess.ClearSASL()
		return Response{OK: false, Message: "Authentication cancelled"}, nil
	}

	response, err := DecodeSASLResponse(line)
	if err != nil {
		sess.ClearSASL()
		return Response{OK: false, Message: "Invalid base64 encoding"}, nil
	}

	return a.processSASLStep(ctx, sess, conn, response)
}

// RegisterAuthCommands registers every authentication-related command
// into r.
func RegisterAuthCommands(r *Registry, rlm realm.Realm, st store.Store, engine *sasl.Engine) {
	r.Register(&capaCommand{engine: engine})
	r.Register(&stlsCommand{})
	r.Register(&userCommand{})
	r.Register(&passCommand{realm: rlm, store: st})
	r.Register(&apopCommand{realm: rlm, store: st})
	r.Register(&authCommand{engine: engine, store: st})
	r.Register(&quitCommand{})
}
