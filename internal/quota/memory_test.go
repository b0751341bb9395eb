package quota

import (
	"context"
	"testing"
)

func TestMemoryManagerCanStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(1000, 10)

	ok, err := m.CanStore(ctx, "alice", 500)
	if err != nil || !ok {
		t.Fatalf("CanStore() = %v, %v, want true, nil", ok, err)
	}

	if err := m.RecordMessageAdded(ctx, "alice", 500); err != nil {
		t.Fatalf("RecordMessageAdded() error = %v", err)
	}

	ok, err = m.CanStore(ctx, "alice", 600)
	if err != nil || ok {
		t.Fatalf("CanStore() over byte limit = %v, %v, want false, nil", ok, err)
	}
}

func TestMemoryManagerMessageLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(1 << 30, 2)

	for i := 0; i < 2; i++ {
		ok, err := m.CanStore(ctx, "bob", 10)
		if err != nil || !ok {
			t.Fatalf("CanStore() iteration %d = %v, %v", i, ok, err)
		}
		if err := m.RecordMessageAdded(ctx, "bob", 10); err != nil {
			t.Fatalf("RecordMessageAdded() error = %v", err)
		}
	}

	ok, err := m.CanStore(ctx, "bob", 10)
	if err != nil || ok {
		t.Fatalf("CanStore() over message limit = %v, %v, want false, nil", ok, err)
	}
}

func TestMemoryManagerGetQuota(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(1000, 10)
	_ = m.RecordMessageAdded(ctx, "carol", 250)

	usage, err := m.GetQuota(ctx, "carol")
	if err != nil {
		t.Fatalf("GetQuota() error = %v", err)
	}
	if usage.StorageUsedBytes != 250 || usage.MessageCount != 1 {
		t.Errorf("unexpected usage: %+v", usage)
	}
	if usage.StorageLimitBytes != 1000 || usage.MessageLimit != 10 {
		t.Errorf("unexpected defaults: %+v", usage)
	}
}

func TestMemoryManagerSetUserQuota(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager(1000, 10)

	if err := m.SetUserQuota(ctx, "dave", 5000, 100); err != nil {
		t.Fatalf("SetUserQuota() error = %v", err)
	}

	usage, err := m.GetQuota(ctx, "dave")
	if err != nil {
		t.Fatalf("GetQuota() error = %v", err)
	}
	if usage.StorageLimitBytes != 5000 || usage.MessageLimit != 100 {
		t.Errorf("unexpected limits: %+v", usage)
	}
}
