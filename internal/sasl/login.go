package sasl

import (
	"context"

	gosasl "github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/realm"
)

// loginServer implements the (non-standard but widely deployed) LOGIN
// mechanism: server prompts "Username:" then "Password:", each answered
// with one base64-encoded response. go-sasl does not ship a server-side
// implementation since LOGIN was never formally registered with IANA.
type loginServer struct {
	realm         realm.Realm
	state         int
	username      string
	authenticated string
}

func newLoginServer(r realm.Realm) gosasl.Server {
	return &loginServer{realm: r}
}

func (s *loginServer) Next(response []byte) ([]byte, bool, error) {
	switch s.state {
	case 0:
		s.state = 1
		return []byte("Username:"), false, nil
	case 1:
		s.username = string(response)
		s.state = 2
		return []byte("Password:"), false, nil
	case 2:
		password := string(response)
		ok, err := s.realm.PasswordMatch(context.Background(), s.username, password)
		if err != nil {
			return nil, true, err
		}
		if !ok {
			s.username = ""
			return nil, true, ErrAuthenticationFailed
		}
		s.authenticated = s.username
		return nil, true, nil
	default:
		return nil, true, ErrAuthenticationFailed
	}
}

// Username implements AuthenticatedUser.
func (s *loginServer) Username() string {
	return s.authenticated
}
