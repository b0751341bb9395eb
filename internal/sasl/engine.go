// Package sasl builds github.com/emersion/go-sasl server instances for
// the mechanism set in spec.md's table, backed by an internal/realm.Realm
// for credential verification. Mechanisms requiring multi-step state
// (CRAM-MD5, DIGEST-MD5, SCRAM-SHA-256, NTLM) keep that state in an
// explicit scratch struct rather than nullable connection fields.
package sasl

import (
	"crypto/x509"
	"errors"

	gosasl "github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/realm"
)

// AuthenticatedUser is implemented by every mechanism's sasl.Server. The
// protocol engines type-assert to it once Next reports done to learn
// which principal the exchange authenticated, since gosasl.Server itself
// has no notion of identity.
type AuthenticatedUser interface {
	Username() string
}

// ErrUnsupportedMechanism is returned by NewServer for a mechanism name
// not in spec.md's table.
var ErrUnsupportedMechanism = errors.New("sasl: unsupported mechanism")

// ErrPlaintextOverClearChannel is returned when a plaintext-equivalent
// mechanism (PLAIN, LOGIN) is requested over a connection that is
// neither TLS-protected nor explicitly configured to allow plaintext
// auth.
var ErrPlaintextOverClearChannel = errors.New("sasl: plaintext mechanism requires a secure channel")

// Mechanisms lists every mechanism name this engine can produce a server
// for, in the order spec.md's table presents them.
var Mechanisms = []string{
	gosasl.Plain, "LOGIN", "CRAM-MD5", "DIGEST-MD5", "SCRAM-SHA-256", "OAUTHBEARER", "EXTERNAL", "NTLM",
}

// Engine constructs sasl.Server instances for a configured realm and
// allowed mechanism list.
type Engine struct {
	realm              realm.Realm
	allowedMechanisms  map[string]bool
	allowPlaintextAuth bool
}

// New creates an Engine backed by r, restricted to the given mechanism
// names (case-sensitive, as in spec.md's table). allowPlaintextAuth
// permits PLAIN/LOGIN even when the connection is not TLS-secured.
func New(r realm.Realm, allowedMechanisms []string, allowPlaintextAuth bool) *Engine {
	allowed := make(map[string]bool, len(allowedMechanisms))
	for _, m := range allowedMechanisms {
		allowed[m] = true
	}
	return &Engine{realm: r, allowedMechanisms: allowed, allowPlaintextAuth: allowPlaintextAuth}
}

// AllowPlaintextAuth reports whether the engine was configured to permit
// plaintext-equivalent authentication (PLAIN/LOGIN, and the IMAP LOGIN
// command) over an insecure channel.
func (e *Engine) AllowPlaintextAuth() bool {
	return e.allowPlaintextAuth
}

// AdvertisedMechanisms returns the mechanisms to advertise in
// CAPABILITY/CAPA for a connection with the given security state: the
// intersection of configured mechanisms, realm-supported mechanisms, and
// (for PLAIN/LOGIN) either TLS or allowPlaintextAuth.
func (e *Engine) AdvertisedMechanisms(tlsSecure bool) []string {
	realmSupported := make(map[string]bool, len(e.realm.SupportedSASLMechanisms()))
	for _, m := range e.realm.SupportedSASLMechanisms() {
		realmSupported[m] = true
	}

	var out []string
	for _, m := range Mechanisms {
		if !e.allowedMechanisms[m] || !realmSupported[m] {
			continue
		}
		if isPlaintextEquivalent(m) && !tlsSecure && !e.allowPlaintextAuth {
			continue
		}
		out = append(out, m)
	}
	return out
}

func isPlaintextEquivalent(mech string) bool {
	return mech == gosasl.Plain || mech == "LOGIN"
}

// NewServer returns a sasl.Server for mech. tlsSecure and peerCert
// describe the connection's security state, used by EXTERNAL (which
// requires a verified client certificate) and by the plaintext-guard on
// PLAIN/LOGIN.
func (e *Engine) NewServer(mech string, tlsSecure bool, peerCert *x509.Certificate) (gosasl.Server, error) {
	if !e.allowedMechanisms[mech] {
		return nil, ErrUnsupportedMechanism
	}

	if isPlaintextEquivalent(mech) && !tlsSecure && !e.allowPlaintextAuth {
		return nil, ErrPlaintextOverClearChannel
	}

	switch mech {
	case gosasl.Plain:
		return newPlainServer(e.realm), nil
	case "LOGIN":
		return newLoginServer(e.realm), nil
	case "CRAM-MD5":
		return newCRAMMD5Server(e.realm), nil
	case "DIGEST-MD5":
		return newDigestMD5Server(e.realm), nil
	case "SCRAM-SHA-256":
		return newSCRAMServer(e.realm), nil
	case "OAUTHBEARER":
		return newOAuthBearerServer(e.realm), nil
	case "EXTERNAL":
		return newExternalServer(e.realm, tlsSecure, peerCert), nil
	case "NTLM":
		return newNTLMServer(e.realm), nil
	default:
		return nil, ErrUnsupportedMechanism
	}
}
