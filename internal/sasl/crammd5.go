package sasl

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	gosasl "github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/realm"
)

// cramMD5Server implements RFC 2195: the server issues a unique
// challenge and the client replies "username hex(HMAC-MD5(challenge,
// password))". The challenge is held in the mechanism's explicit
// scratch state and zeroed after one round regardless of outcome.
type cramMD5Server struct {
	realm realm.Realm
	state nonceState
	done  bool
	user  string
}

func newCRAMMD5Server(r realm.Realm) gosasl.Server {
	return &cramMD5Server{realm: r}
}

func (s *cramMD5Server) Next(response []byte) ([]byte, bool, error) {
	if s.done {
		return nil, true, ErrAuthenticationFailed
	}

	if s.state.value == "" {
		s.state = newNonceState(newChallenge(), "")
		return []byte(s.state.value), false, nil
	}

	s.done = true
	defer s.state.clear()

	if s.state.expired() {
		return nil, true, ErrAuthenticationFailed
	}

	parts := strings.SplitN(string(response), " ", 2)
	if len(parts) != 2 {
		return nil, true, ErrAuthenticationFailed
	}
	user, clientDigest := parts[0], parts[1]

	expected, err := s.realm.CRAMMD5Response(context.Background(), user, []byte(s.state.value))
	if err == realm.ErrUnsupported || err == realm.ErrNoSuchUser {
		return nil, true, ErrAuthenticationFailed
	}
	if err != nil {
		return nil, true, err
	}
	if !hmac.Equal([]byte(expected), []byte(clientDigest)) {
		return nil, true, ErrAuthenticationFailed
	}
	s.user = user
	return nil, true, nil
}

// Username implements AuthenticatedUser.
func (s *cramMD5Server) Username() string {
	return s.user
}

// newChallenge builds a unique CRAM-MD5/APOP-style challenge token from
// the process pid, the current time, and random bytes, per spec.md
// §4.4.1's challenge format.
func newChallenge() string {
	var nonce [8]byte
	_, _ = rand.Read(nonce[:])
	return fmt.Sprintf("<%d.%s.%d@mailcore>", os.Getpid(), hex.EncodeToString(nonce[:]), time.Now().UnixNano())
}
