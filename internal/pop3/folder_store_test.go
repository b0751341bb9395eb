package pop3

import (
	"context"
	"errors"
	"testing"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/store"
)

func TestSplitSubaddress(t *testing.T) {
	cases := []struct {
		in         string
		wantUser   string
		wantFolder string
	}{
		{"alice@example.com", "alice@example.com", "INBOX"},
		{"alice", "alice", "INBOX"},
		{"alice+work@example.com", "alice@example.com", "work"},
		{"alice+work", "alice", "work"},
	}

	for _, c := range cases {
		user, folder := splitSubaddress(c.in)
		if user != c.wantUser || folder != c.wantFolder {
			t.Errorf("splitSubaddress(%q) = (%q, %q), want (%q, %q)", c.in, user, folder, c.wantUser, c.wantFolder)
		}
	}
}

func TestInitializeMailboxInbox(t *testing.T) {
	st := store.NewMemoryStore()
	sess := NewSession("test.example.com", config.ModePOP3S, nil, true, nil)
	sess.SetUsername("alice@example.com")

	if err := sess.InitializeMailbox(context.Background(), st); err != nil {
		t.Fatalf("InitializeMailbox: %v", err)
	}
	if sess.Mailbox() == nil {
		t.Fatal("expected a mailbox to be open")
	}
}

func TestInitializeMailboxSubaddressedFolder(t *testing.T) {
	st := store.NewMemoryStore()
	sess := NewSession("test.example.com", config.ModePOP3S, nil, true, nil)
	sess.SetUsername("alice+work@example.com")

	err := sess.InitializeMailbox(context.Background(), st)
	if !errors.Is(err, store.ErrNoSuchMailbox) {
		t.Fatalf("expected ErrNoSuchMailbox for an unprovisioned folder, got %v", err)
	}
}
