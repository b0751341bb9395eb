package sasl

import (
	"context"
	"strings"

	gosasl "github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/realm"
)

// oauthBearerServer implements OAUTHBEARER (RFC 7628). The client's
// single message is a GS2 header followed by "key=value" pairs
// separated by \x01 and terminated by a bare \x01; only the auth=
// field's Bearer token is consulted.
type oauthBearerServer struct {
	realm realm.Realm
	done  bool
	user  string
}

func newOAuthBearerServer(r realm.Realm) gosasl.Server {
	return &oauthBearerServer{realm: r}
}

func (s *oauthBearerServer) Next(response []byte) ([]byte, bool, error) {
	if s.done {
		return nil, true, ErrAuthenticationFailed
	}
	s.done = true

	parts := strings.Split(string(response), "\x01")
	if len(parts) < 2 {
		return nil, true, ErrAuthenticationFailed
	}

	var token string
	for _, kv := range parts[1:] {
		if bearer, ok := strings.CutPrefix(kv, "auth=Bearer "); ok {
			token = bearer
		}
	}
	if token == "" {
		return []byte(`{"status":"invalid_token"}`), true, ErrAuthenticationFailed
	}

	principal, ok, err := s.realm.ValidateBearerToken(context.Background(), token)
	if err != nil || !ok {
		return []byte(`{"status":"invalid_token"}`), true, ErrAuthenticationFailed
	}
	s.user = principal
	return nil, true, nil
}

// Username implements AuthenticatedUser.
func (s *oauthBearerServer) Username() string {
	return s.user
}
