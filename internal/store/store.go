// Package store defines the mailbox storage contract shared by the IMAP
// and POP3 engines, plus a reference in-memory implementation used by
// their tests. A production deployment supplies its own Store backed by
// Maildir, a database, or a remote message service.
package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/infodancer/mailcore/internal/search"
)

// ErrNoSuchMailbox is returned when a named mailbox does not exist.
var ErrNoSuchMailbox = errors.New("store: no such mailbox")

// ErrMailboxExists is returned by Create when the mailbox already exists.
var ErrMailboxExists = errors.New("store: mailbox already exists")

// ErrNoSuchMessage is returned when a sequence number or UID does not
// resolve to a message in the mailbox.
var ErrNoSuchMessage = errors.New("store: no such message")

// MessageDescriptor summarizes one message's envelope-level metadata,
// enough for IMAP FETCH's common items and POP3's LIST/UIDL.
type MessageDescriptor struct {
	Seq          int
	UID          uint32
	Size         int64
	InternalDate time.Time
	Flags        []string
}

// Update is a mailbox change event delivered to an idling session.
type Update struct {
	// Kind is "EXISTS", "EXPUNGE", or "FETCH", matching the untagged
	// IMAP response it will produce.
	Kind string
	// Seq is the affected sequence number (EXPUNGE, FETCH) or the new
	// message count (EXISTS).
	Seq int
}

// MailboxAttrs describes one mailbox as returned by LIST/LSUB.
type MailboxAttrs struct {
	Name        string
	Delimiter   rune
	NoSelect    bool
	NoInferiors bool
	Subscribed  bool
}

// Store opens per-user sessions. A single Store instance is shared by
// every connection; Open is called once per authenticated connection.
type Store interface {
	Open(ctx context.Context, user string) (Session, error)
}

// Session is a user's open handle into their mailbox hierarchy, valid for
// the lifetime of one authenticated connection.
type Session interface {
	OpenMailbox(ctx context.Context, name string, readOnly bool) (Mailbox, error)
	Create(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Rename(ctx context.Context, oldName, newName string) error
	Subscribe(ctx context.Context, name string) error
	Unsubscribe(ctx context.Context, name string) error
	List(ctx context.Context, ref, pattern string) ([]MailboxAttrs, error)
	ListSubscribed(ctx context.Context, ref, pattern string) ([]MailboxAttrs, error)
	HierarchyDelimiter() rune
	PersonalNamespace() string
	Close() error
}

// Mailbox is one selected/examined mailbox.
type Mailbox interface {
	MessageCount(ctx context.Context) (int, error)
	MailboxSize(ctx context.Context) (int64, error)
	UIDValidity(ctx context.Context) (uint32, error)
	UIDNext(ctx context.Context) (uint32, error)
	PermanentFlags(ctx context.Context) ([]string, error)
	IsDeleted(ctx context.Context, seq int) (bool, error)
	DeleteMessage(ctx context.Context, seq int) error
	UndeleteAll(ctx context.Context) error
	Expunge(ctx context.Context) ([]int, error)
	GetMessage(ctx context.Context, seq int) (*MessageDescriptor, error)
	GetMessageContent(ctx context.Context, seq int) (io.ReadCloser, error)
	GetMessageTop(ctx context.Context, seq, lines int) (io.ReadCloser, error)
	GetUniqueID(ctx context.Context, seq int) (string, error)
	GetMessageList(ctx context.Context) ([]MessageDescriptor, error)
	Search(ctx context.Context, crit *search.Node) ([]int, error)
	StartAppend(ctx context.Context, flags []string, internalDate time.Time) (AppendTransaction, error)
	Updates() <-chan Update
	Close(ctx context.Context, expunge bool) error
}

// AppendTransaction accumulates the bytes of an APPEND/DELIVER in
// progress before committing it as a new message.
type AppendTransaction interface {
	io.Writer
	Commit(ctx context.Context) (uid uint32, err error)
	Abort(ctx context.Context) error
}
