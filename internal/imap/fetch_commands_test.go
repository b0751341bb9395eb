package imap

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/mailcore/internal/store"
)

func selectedSession(t *testing.T, st store.Store, username, mailbox string) *Session {
	t.Helper()
	sess := authenticatedSession(t, st, username)
	mbox, err := sess.StoreSession().OpenMailbox(context.Background(), mailbox, false)
	if err != nil {
		t.Fatalf("OpenMailbox: %v", err)
	}
	if err := sess.EnterSelected(context.Background(), &SelectedMailbox{
		Name:     mailbox,
		Mailbox:  mbox,
		MsgCount: 1,
	}); err != nil {
		t.Fatalf("EnterSelected: %v", err)
	}
	return sess
}

func TestSearchAll(t *testing.T) {
	st := store.NewMemoryStore()
	st.AddMessage("alice@example.com", "INBOX", []byte("Subject: hi\r\n\r\nbody\r\n"), nil, time.Unix(0, 0))
	sess := selectedSession(t, st, "alice@example.com", "INBOX")

	reg := NewRegistry()
	RegisterFetchCommands(reg, st)
	cmd, _ := reg.Get("SEARCH")
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", []string{"ALL"})
	if err != nil || resp.Status != "OK" {
		t.Fatalf("SEARCH: resp=%v err=%v", resp, err)
	}
	if len(resp.Untagged) != 1 || strings.TrimSpace(resp.Untagged[0]) != "SEARCH 1" {
		t.Errorf("SEARCH untagged = %v, want [\"SEARCH 1\"]", resp.Untagged)
	}
}

func TestFetchFlagsAndUID(t *testing.T) {
	st := store.NewMemoryStore()
	st.AddMessage("alice@example.com", "INBOX", []byte("Subject: hi\r\n\r\nbody\r\n"), nil, time.Unix(0, 0))
	sess := selectedSession(t, st, "alice@example.com", "INBOX")

	reg := NewRegistry()
	RegisterFetchCommands(reg, st)
	cmd, _ := reg.Get("FETCH")
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", []string{"1", "(FLAGS", "UID)"})
	if err != nil || resp.Status != "OK" {
		t.Fatalf("FETCH: resp=%v err=%v", resp, err)
	}
	if len(resp.Untagged) != 1 || !strings.Contains(resp.Untagged[0], "FLAGS") || !strings.Contains(resp.Untagged[0], "UID") {
		t.Errorf("FETCH untagged = %v", resp.Untagged)
	}
}

func TestStoreMarksDeletedAndExpunge(t *testing.T) {
	st := store.NewMemoryStore()
	st.AddMessage("alice@example.com", "INBOX", []byte("Subject: hi\r\n\r\nbody\r\n"), nil, time.Unix(0, 0))
	sess := selectedSession(t, st, "alice@example.com", "INBOX")
	ctx := context.Background()

	reg := NewRegistry()
	RegisterFetchCommands(reg, st)

	storeCmd, _ := reg.Get("STORE")
	resp, err := storeCmd.Execute(ctx, sess, newTestConn(), "a1", []string{"1", "+FLAGS", "(\\Deleted)"})
	if err != nil || resp.Status != "OK" {
		t.Fatalf("STORE: resp=%v err=%v", resp, err)
	}

	expungeCmd, _ := reg.Get("EXPUNGE")
	resp, err = expungeCmd.Execute(ctx, sess, newTestConn(), "a2", nil)
	if err != nil || resp.Status != "OK" {
		t.Fatalf("EXPUNGE: resp=%v err=%v", resp, err)
	}
	if len(resp.Untagged) != 1 || !strings.Contains(resp.Untagged[0], "1 EXPUNGE") {
		t.Errorf("EXPUNGE untagged = %v, want [\"1 EXPUNGE\"]", resp.Untagged)
	}
}

func TestUIDDispatchesToUIDSearch(t *testing.T) {
	st := store.NewMemoryStore()
	st.AddMessage("alice@example.com", "INBOX", []byte("Subject: hi\r\n\r\nbody\r\n"), nil, time.Unix(0, 0))
	sess := selectedSession(t, st, "alice@example.com", "INBOX")

	reg := NewRegistry()
	RegisterFetchCommands(reg, st)
	cmd, _ := reg.Get("UID")
	resp, err := cmd.Execute(context.Background(), sess, newTestConn(), "a1", []string{"SEARCH", "ALL"})
	if err != nil || resp.Status != "OK" {
		t.Fatalf("UID SEARCH: resp=%v err=%v", resp, err)
	}
	if len(resp.Untagged) != 1 || !strings.HasPrefix(resp.Untagged[0], "SEARCH ") {
		t.Errorf("UID SEARCH untagged = %v", resp.Untagged)
	}
}

func TestCopyAppendsToDestination(t *testing.T) {
	st := store.NewMemoryStore()
	st.AddMessage("alice@example.com", "INBOX", []byte("Subject: hi\r\n\r\nbody\r\n"), nil, time.Unix(0, 0))
	sess := selectedSession(t, st, "alice@example.com", "INBOX")
	ctx := context.Background()

	if err := sess.StoreSession().Create(ctx, "Archive"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	reg := NewRegistry()
	RegisterFetchCommands(reg, st)
	cmd, _ := reg.Get("COPY")
	resp, err := cmd.Execute(ctx, sess, newTestConn(), "a1", []string{"1", "Archive"})
	if err != nil || resp.Status != "OK" {
		t.Fatalf("COPY: resp=%v err=%v", resp, err)
	}

	dest, err := sess.StoreSession().OpenMailbox(ctx, "Archive", true)
	if err != nil {
		t.Fatalf("OpenMailbox(Archive): %v", err)
	}
	count, err := dest.MessageCount(ctx)
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if count != 1 {
		t.Errorf("Archive message count = %d, want 1", count)
	}
}
