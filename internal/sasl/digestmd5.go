package sasl

import (
	"context"
	"crypto/md5" //nolint:gosec // required by the DIGEST-MD5 wire format (RFC 2831)
	"encoding/hex"
	"fmt"
	"strings"

	gosasl "github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/realm"
)

// digestMD5Server implements RFC 2831. Its scratch state lives in an
// embedded nonceState, zeroed by clear() once the exchange concludes,
// rather than in nullable session fields.
type digestMD5Server struct {
	realm realm.Realm
	state nonceState
	done  bool
	user  string
}

func newDigestMD5Server(r realm.Realm) gosasl.Server {
	return &digestMD5Server{realm: r}
}

func (s *digestMD5Server) clear() {
	s.state.clear()
}

func (s *digestMD5Server) Next(response []byte) ([]byte, bool, error) {
	if s.done {
		return nil, true, ErrAuthenticationFailed
	}

	if s.state.value == "" {
		s.state = newNonceState(newChallenge(), "mailcore")
		challenge := fmt.Sprintf(`realm="%s",nonce="%s",qop="auth",charset=utf-8,algorithm=md5-sess`, s.state.realm, s.state.value)
		return []byte(challenge), false, nil
	}

	s.done = true
	fields := parseDigestFields(string(response))
	defer s.clear()

	if s.state.expired() {
		return nil, true, ErrAuthenticationFailed
	}

	username := fields["username"]
	nonce := fields["nonce"]
	cnonce := fields["cnonce"]
	nc := fields["nc"]
	qop := fields["qop"]
	digestURI := fields["digest-uri"]
	clientResponse := fields["response"]

	if nonce != s.state.value {
		return nil, true, ErrAuthenticationFailed
	}

	ha1Hex, err := s.realm.DigestHA1(context.Background(), username, s.state.realm)
	if err == realm.ErrUnsupported || err == realm.ErrNoSuchUser {
		return nil, true, ErrAuthenticationFailed
	}
	if err != nil {
		return nil, true, err
	}

	ha1Raw, err := hex.DecodeString(ha1Hex)
	if err != nil {
		return nil, true, ErrAuthenticationFailed
	}
	a1 := make([]byte, 0, len(ha1Raw)+1+len(nonce)+1+len(cnonce))
	a1 = append(a1, ha1Raw...)
	a1 = append(a1, ':')
	a1 = append(a1, []byte(nonce+":"+cnonce)...)
	sessKey := md5Sum(a1)

	a2 := "AUTHENTICATE:" + digestURI
	ha2 := hex.EncodeToString(md5Sum([]byte(a2)))

	kd := fmt.Sprintf("%s:%s:%s:%s:%s:%s", hex.EncodeToString(sessKey), nonce, nc, cnonce, qop, ha2)
	expected := hex.EncodeToString(md5Sum([]byte(kd)))

	if expected != clientResponse {
		return nil, true, ErrAuthenticationFailed
	}
	s.user = username
	return nil, true, nil
}

// Username implements AuthenticatedUser.
func (s *digestMD5Server) Username() string {
	return s.user
}

func md5Sum(b []byte) []byte {
	sum := md5.Sum(b)
	return sum[:]
}

// parseDigestFields parses a DIGEST-MD5 response's comma-separated
// key=value (optionally quoted) pairs.
func parseDigestFields(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range splitDigestPairs(s) {
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		val = strings.Trim(val, `"`)
		out[key] = val
	}
	return out
}

// splitDigestPairs splits on commas that are not inside a quoted value.
func splitDigestPairs(s string) []string {
	var out []string
	inQuotes := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}
