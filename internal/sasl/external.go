package sasl

import (
	"context"
	"crypto/x509"

	gosasl "github.com/emersion/go-sasl"

	"github.com/infodancer/mailcore/internal/realm"
)

// externalServer implements EXTERNAL (RFC 4422 appendix A): identity is
// established by the already-verified TLS peer certificate, not by
// anything carried in the SASL exchange itself. The optional single
// response is an authorization identity override; when empty, the
// certificate's subject CN is used directly.
type externalServer struct {
	realm     realm.Realm
	tlsSecure bool
	peerCert  *x509.Certificate
	user      string
}

func newExternalServer(r realm.Realm, tlsSecure bool, peerCert *x509.Certificate) gosasl.Server {
	return &externalServer{realm: r, tlsSecure: tlsSecure, peerCert: peerCert}
}

func (s *externalServer) Next(response []byte) ([]byte, bool, error) {
	if !s.tlsSecure || s.peerCert == nil {
		return nil, true, ErrAuthenticationFailed
	}

	user := string(response)
	if user == "" {
		user = s.peerCert.Subject.CommonName
	}
	if user == "" {
		return nil, true, ErrAuthenticationFailed
	}

	ok, err := s.realm.UserExists(context.Background(), user)
	if err != nil {
		return nil, true, err
	}
	if !ok {
		return nil, true, ErrAuthenticationFailed
	}
	s.user = user
	return nil, true, nil
}

// Username implements AuthenticatedUser.
func (s *externalServer) Username() string {
	return s.user
}
