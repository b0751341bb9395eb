// Package quota defines the storage/message-count accounting contract
// used by IMAP's GETQUOTA/GETQUOTAROOT/SETQUOTA (RFC 9208) and by the
// IMAP APPEND path to reject oversized or over-limit mailboxes
// before the store commits a message.
package quota

import (
	"context"
	"errors"
)

// ErrOverQuota reports that accepting a message would exceed the user's
// storage or message-count limit. CanStore reports that case as a false
// result, not as this error.
var ErrOverQuota = errors.New("quota: storage limit exceeded")

// Usage reports a user's current consumption against their limits.
type Usage struct {
	StorageUsedBytes  int64
	StorageLimitBytes int64
	MessageCount      int
	MessageLimit      int
}

// Manager tracks and enforces per-user quota limits.
type Manager interface {
	// CanStore reports whether adding bytes more storage for user would
	// stay within their limit.
	CanStore(ctx context.Context, user string, bytes int64) (bool, error)

	// RecordMessageAdded updates user's usage after a message of the
	// given size was committed to their mailbox.
	RecordMessageAdded(ctx context.Context, user string, bytes int64) error

	// GetQuota returns user's current usage and limits.
	GetQuota(ctx context.Context, user string) (Usage, error)

	// SetUserQuota sets user's storage and message-count limits.
	SetUserQuota(ctx context.Context, user string, storageBytes int64, messageLimit int) error
}
