package imap

import "errors"

// Protocol errors for IMAP.
var (
	// ErrInvalidState is returned when a command is not valid in the current state.
	ErrInvalidState = errors.New("command not valid in current state")

	// ErrNoMailboxSelected is returned when a SELECTED-only command runs
	// without an active selection.
	ErrNoMailboxSelected = errors.New("no mailbox selected")

	// ErrBadTag is returned when a command line carries an invalid tag.
	ErrBadTag = errors.New("invalid tag")

	// ErrTLSNotAvailable is returned when STARTTLS is requested but TLS is
	// not configured.
	ErrTLSNotAvailable = errors.New("TLS not available")

	// ErrAlreadyTLS is returned when STARTTLS is requested on an
	// already-encrypted connection.
	ErrAlreadyTLS = errors.New("already using TLS")
)
