package sasl

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	gosasl "github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/realm"
)

// scramServer implements SCRAM-SHA-256 (RFC 5802/7677), server side.
// Its scratch state — username, client/server nonces, stored
// credentials, the auth-message it accumulates for the final signature
// check — is held
// directly on the struct and discarded via clear() once the exchange
// concludes, satisfying spec.md's explicit-sub-state requirement.
type scramServer struct {
	realm realm.Realm

	step          int
	username      string
	clientNonce   string
	serverNonce   string
	authMessage   string
	creds         realm.SCRAMCreds
	done          bool
	authenticated string
}

func newSCRAMServer(r realm.Realm) gosasl.Server {
	return &scramServer{realm: r}
}

func (s *scramServer) clear() {
	s.username = ""
	s.clientNonce = ""
	s.serverNonce = ""
	s.authMessage = ""
	s.creds = realm.SCRAMCreds{}
}

func (s *scramServer) Next(response []byte) ([]byte, bool, error) {
	if s.done {
		return nil, true, ErrAuthenticationFailed
	}

	switch s.step {
	case 0:
		return s.firstMessage(response)
	case 1:
		return s.finalMessage(response)
	default:
		s.done = true
		return nil, true, ErrAuthenticationFailed
	}
}

func (s *scramServer) firstMessage(response []byte) ([]byte, bool, error) {
	msg := string(response)

	// GS2 header: only "n,," (no channel binding, no authzid) is
	// accepted; "y,," and "p=..." both claim binding properties this
	// server does not implement.
	if !strings.HasPrefix(msg, "n,,") {
		s.done = true
		return nil, true, ErrAuthenticationFailed
	}
	clientFirstBare := msg[3:]

	fields := parseSCRAMFields(clientFirstBare)
	s.username = fields["n"]
	s.clientNonce = fields["r"]
	if s.username == "" || s.clientNonce == "" {
		s.done = true
		return nil, true, ErrAuthenticationFailed
	}

	creds, err := s.realm.SCRAMCredentials(context.Background(), s.username)
	if err == realm.ErrUnsupported || err == realm.ErrNoSuchUser {
		s.done = true
		return nil, true, ErrAuthenticationFailed
	}
	if err != nil {
		s.done = true
		return nil, true, err
	}
	s.creds = creds

	var nonceBytes [18]byte
	_, _ = rand.Read(nonceBytes[:])
	s.serverNonce = s.clientNonce + base64.StdEncoding.EncodeToString(nonceBytes[:])

	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d",
		s.serverNonce,
		base64.StdEncoding.EncodeToString(s.creds.Salt),
		s.creds.Iterations,
	)
	s.authMessage = clientFirstBare + "," + serverFirst
	s.step = 1
	return []byte(serverFirst), false, nil
}

func (s *scramServer) finalMessage(response []byte) ([]byte, bool, error) {
	s.done = true
	defer s.clear()

	fields := parseSCRAMFields(string(response))
	channelBinding := fields["c"]
	nonce := fields["r"]
	clientProof64 := fields["p"]

	if channelBinding != base64.StdEncoding.EncodeToString([]byte("n,,")) {
		return nil, true, ErrAuthenticationFailed
	}
	if nonce != s.serverNonce {
		return nil, true, ErrAuthenticationFailed
	}

	clientProof, err := base64.StdEncoding.DecodeString(clientProof64)
	if err != nil {
		return nil, true, ErrAuthenticationFailed
	}

	clientFinalWithoutProof := "c=" + channelBinding + ",r=" + nonce
	authMessage := s.authMessage + "," + clientFinalWithoutProof

	clientSignature := hmacSum(s.creds.StoredKey, []byte(authMessage))
	clientKey := xorBytes(clientProof, clientSignature)
	computedStoredKey := sha256Sum(clientKey)

	if subtle.ConstantTimeCompare(computedStoredKey, s.creds.StoredKey) != 1 {
		return nil, true, ErrAuthenticationFailed
	}

	serverSignature := hmacSum(s.creds.ServerKey, []byte(authMessage))
	verifier := "v=" + base64.StdEncoding.EncodeToString(serverSignature)
	s.authenticated = s.username
	return []byte(verifier), true, nil
}

// Username implements AuthenticatedUser.
func (s *scramServer) Username() string {
	return s.authenticated
}

func hmacSum(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func xorBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// parseSCRAMFields parses SCRAM's comma-separated "key=value" attribute
// list (RFC 5802 §5).
func parseSCRAMFields(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		if len(part) < 2 || part[1] != '=' {
			continue
		}
		out[part[:1]] = part[2:]
	}
	return out
}
