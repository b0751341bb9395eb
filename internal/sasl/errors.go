package sasl

import "errors"

// ErrAuthenticationFailed is the generic credential-rejected error
// returned by each mechanism's callback; protocol engines map it to a
// tagged NO/-ERR response without leaking which check failed.
var ErrAuthenticationFailed = errors.New("sasl: authentication failed")
