// Package realm defines the identity provider contract used by the SASL
// engine and the POP3/IMAP authentication commands. A realm answers
// "does this credential belong to this user" without the protocol
// engines ever seeing where the credential is actually stored.
package realm

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by a Realm method when the backing identity
// store cannot produce the requested credential material (for example, a
// realm storing only bcrypt hashes cannot answer DigestHA1 or
// CRAMMD5Response, which need the plaintext password or an MD5-compatible
// verifier).
var ErrUnsupported = errors.New("realm: credential not supported by this identity store")

// ErrNoSuchUser is returned when the user does not exist in the realm.
var ErrNoSuchUser = errors.New("realm: no such user")

// SCRAMCreds holds the stored SCRAM verifier for a user, per RFC 5802.
// StoredKey and ServerKey are derived from the user's password with
// PBKDF2-HMAC-SHA256 at registration time; the realm never exposes the
// plaintext password for SCRAM authentication.
type SCRAMCreds struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// Realm resolves credentials for one or more SASL/plaintext authentication
// mechanisms. A concrete realm need not support every method; callers
// treat ErrUnsupported as "mechanism unavailable for this user", not a
// hard failure of the realm itself.
type Realm interface {
	// PasswordMatch verifies a plaintext password, backing PLAIN, LOGIN,
	// and POP3 USER/PASS.
	PasswordMatch(ctx context.Context, user, plaintext string) (bool, error)

	// UserExists reports whether user is known to the realm, independent
	// of any credential check.
	UserExists(ctx context.Context, user string) (bool, error)

	// CRAMMD5Response computes the expected CRAM-MD5 digest response for
	// the given server challenge, per RFC 2195.
	CRAMMD5Response(ctx context.Context, user string, challenge []byte) (string, error)

	// DigestHA1 returns the RFC 2831 HA1 hash (MD5(username:realm:password))
	// used to verify a DIGEST-MD5 response without the realm handing back
	// the plaintext password.
	DigestHA1(ctx context.Context, user, realmName string) (string, error)

	// SCRAMCredentials returns the stored SCRAM-SHA-256 verifier for user.
	SCRAMCredentials(ctx context.Context, user string) (SCRAMCreds, error)

	// ValidateBearerToken validates an OAUTHBEARER token and returns the
	// authenticated principal.
	ValidateBearerToken(ctx context.Context, token string) (principal string, ok bool, err error)

	// APOPResponse computes the expected APOP response
	// (MD5(timestamp + shared-secret)) for POP3's APOP command.
	APOPResponse(ctx context.Context, user, timestamp string) (string, error)

	// IsUserInRole reports whether user holds role, used for
	// administrative commands (SETQUOTA checks the "admin" role).
	IsUserInRole(ctx context.Context, user, role string) (bool, error)

	// SupportedSASLMechanisms lists the mechanism names this realm can
	// back, used to trim the server's advertised CAPABILITY/CAPA list to
	// what authentication can actually succeed with.
	SupportedSASLMechanisms() []string
}
