package quota

import (
	"context"
	"sync"
)

type userQuota struct {
	usedBytes    int64
	messageCount int
	limitBytes   int64
	limitCount   int
}

// MemoryManager is a reference, in-process Manager backed by a map, using
// a default limit for any user not explicitly configured with
// SetUserQuota.
type MemoryManager struct {
	mu      sync.Mutex
	users   map[string]*userQuota
	defBy   int64
	defMsgs int
}

// NewMemoryManager creates a Manager applying defaultStorageBytes and
// defaultMessageLimit to any user first seen via CanStore/RecordMessageAdded.
func NewMemoryManager(defaultStorageBytes int64, defaultMessageLimit int) *MemoryManager {
	return &MemoryManager{
		users:   make(map[string]*userQuota),
		defBy:   defaultStorageBytes,
		defMsgs: defaultMessageLimit,
	}
}

func (m *MemoryManager) get(user string) *userQuota {
	q, ok := m.users[user]
	if !ok {
		q = &userQuota{limitBytes: m.defBy, limitCount: m.defMsgs}
		m.users[user] = q
	}
	return q
}

// CanStore implements Manager.
func (m *MemoryManager) CanStore(_ context.Context, user string, bytes int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.get(user)
	if q.limitBytes > 0 && q.usedBytes+bytes > q.limitBytes {
		return false, nil
	}
	if q.limitCount > 0 && q.messageCount+1 > q.limitCount {
		return false, nil
	}
	return true, nil
}

// RecordMessageAdded implements Manager.
func (m *MemoryManager) RecordMessageAdded(_ context.Context, user string, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.get(user)
	q.usedBytes += bytes
	q.messageCount++
	return nil
}

// GetQuota implements Manager.
func (m *MemoryManager) GetQuota(_ context.Context, user string) (Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.get(user)
	return Usage{
		StorageUsedBytes:  q.usedBytes,
		StorageLimitBytes: q.limitBytes,
		MessageCount:      q.messageCount,
		MessageLimit:      q.limitCount,
	}, nil
}

// SetUserQuota implements Manager.
func (m *MemoryManager) SetUserQuota(_ context.Context, user string, storageBytes int64, messageLimit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.get(user)
	q.limitBytes = storageBytes
	q.limitCount = messageLimit
	return nil
}
