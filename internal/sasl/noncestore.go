package sasl

import "time"

// nonceLifetime bounds how long a challenge nonce remains acceptable;
// DIGEST-MD5 and CRAM-MD5 both reject a client response that arrives
// after their nonce has expired rather than letting a stalled
// connection sit on a live challenge indefinitely.
const nonceLifetime = 2 * time.Minute

// nonceState is the explicit scratch state shared by the
// challenge/response mechanisms (CRAM-MD5, DIGEST-MD5): the nonce
// value itself, DIGEST-MD5's nonce-count, an expiry, and the realm
// name the challenge was issued under. It lives on the mechanism's
// server struct, not in a nullable connection-wide field, and is
// zeroed by clear() once the exchange concludes regardless of outcome.
type nonceState struct {
	value     string
	count     int
	expiresAt time.Time
	realm     string
}

func newNonceState(value, realmName string) nonceState {
	return nonceState{
		value:     value,
		count:     1,
		expiresAt: time.Now().Add(nonceLifetime),
		realm:     realmName,
	}
}

func (n *nonceState) expired() bool {
	return time.Now().After(n.expiresAt)
}

func (n *nonceState) clear() {
	n.value = ""
	n.count = 0
	n.expiresAt = time.Time{}
	n.realm = ""
}
