package server

import "errors"

var (
	// ErrAlreadyTLS is returned when attempting to upgrade an already-TLS connection.
	ErrAlreadyTLS = errors.New("connection already using TLS")

	// ErrTLSRequired is returned when a listener configured for implicit
	// TLS (IMAPS/POP3S) has no TLS configuration.
	ErrTLSRequired = errors.New("TLS configuration required for this listener mode")
)
