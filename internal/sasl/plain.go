package sasl

import (
	"context"

	gosasl "github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/realm"
)

// plainServer wraps go-sasl's PLAIN server (an unexported type) so the
// authenticated username, learned only inside the verify callback, can
// be surfaced afterward through Username().
type plainServer struct {
	inner gosasl.Server
	user  string
}

// newPlainServer wraps go-sasl's PLAIN server with a credential check
// against r. The authorization identity (the first PLAIN field) must be
// empty or match the authentication username; mailcore has no delegated
// authorization concept.
func newPlainServer(r realm.Realm) gosasl.Server {
	w := &plainServer{}
	w.inner = gosasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return realm.ErrNoSuchUser
		}
		ok, err := r.PasswordMatch(context.Background(), username, password)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAuthenticationFailed
		}
		w.user = username
		return nil
	})
	return w
}

func (w *plainServer) Next(response []byte) ([]byte, bool, error) {
	return w.inner.Next(response)
}

func (w *plainServer) Username() string {
	return w.user
}
