package pop3

import (
	"context"
	"testing"
	"time"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/store"
)

func newTransactionSession(t *testing.T, st *store.MemoryStore, user string) *Session {
	t.Helper()
	sess := NewSession("test.example.com", config.ModePOP3S, nil, true, nil)
	sess.SetUsername(user)
	if err := sess.InitializeMailbox(context.Background(), st); err != nil {
		t.Fatalf("InitializeMailbox: %v", err)
	}
	sess.SetAuthenticated(user)
	return sess
}

func TestStatAndList(t *testing.T) {
	st := store.NewMemoryStore()
	st.AddMessage("alice@example.com", "INBOX", []byte("Subject: one\r\n\r\nbody one\r\n"), nil, time.Unix(0, 0))
	st.AddMessage("alice@example.com", "INBOX", []byte("Subject: two\r\n\r\nbody two\r\n"), nil, time.Unix(0, 0))

	reg := NewRegistry()
	RegisterTransactionCommands(reg)
	sess := newTransactionSession(t, st, "alice@example.com")
	ctx := context.Background()

	statCmd, _ := reg.Get("STAT")
	resp, err := statCmd.Execute(ctx, sess, testLogger(), nil)
	if err != nil || !resp.OK {
		t.Fatalf("STAT: resp=%v err=%v", resp, err)
	}
	if resp.Message != "2 52" {
		t.Errorf("STAT message = %q, want %q", resp.Message, "2 52")
	}

	listCmd, _ := reg.Get("LIST")
	resp, err = listCmd.Execute(ctx, sess, testLogger(), nil)
	if err != nil || !resp.OK || len(resp.Lines) != 2 {
		t.Fatalf("LIST: resp=%v err=%v", resp, err)
	}
}

func TestDeleExcludesFromStatAndRsetRestores(t *testing.T) {
	st := store.NewMemoryStore()
	st.AddMessage("alice@example.com", "INBOX", []byte("Subject: one\r\n\r\nbody\r\n"), nil, time.Unix(0, 0))

	reg := NewRegistry()
	RegisterTransactionCommands(reg)
	sess := newTransactionSession(t, st, "alice@example.com")
	ctx := context.Background()

	deleCmd, _ := reg.Get("DELE")
	resp, err := deleCmd.Execute(ctx, sess, testLogger(), []string{"1"})
	if err != nil || !resp.OK {
		t.Fatalf("DELE: resp=%v err=%v", resp, err)
	}

	statCmd, _ := reg.Get("STAT")
	resp, _ = statCmd.Execute(ctx, sess, testLogger(), nil)
	if resp.Message != "0 0" {
		t.Errorf("STAT after DELE = %q, want %q", resp.Message, "0 0")
	}

	rsetCmd, _ := reg.Get("RSET")
	resp, err = rsetCmd.Execute(ctx, sess, testLogger(), nil)
	if err != nil || !resp.OK {
		t.Fatalf("RSET: resp=%v err=%v", resp, err)
	}

	resp, _ = statCmd.Execute(ctx, sess, testLogger(), nil)
	if resp.Message != "1 22" {
		t.Errorf("STAT after RSET = %q, want %q", resp.Message, "1 22")
	}
}

func TestDeleAlreadyDeletedMessageFails(t *testing.T) {
	st := store.NewMemoryStore()
	st.AddMessage("alice@example.com", "INBOX", []byte("Subject: one\r\n\r\nbody\r\n"), nil, time.Unix(0, 0))

	reg := NewRegistry()
	RegisterTransactionCommands(reg)
	sess := newTransactionSession(t, st, "alice@example.com")
	ctx := context.Background()

	deleCmd, _ := reg.Get("DELE")
	deleCmd.Execute(ctx, sess, testLogger(), []string{"1"})

	resp, err := deleCmd.Execute(ctx, sess, testLogger(), []string{"1"})
	if err != nil || resp.OK {
		t.Fatalf("expected second DELE to fail, got resp=%v err=%v", resp, err)
	}
}

func TestRetrAndTop(t *testing.T) {
	st := store.NewMemoryStore()
	st.AddMessage("alice@example.com", "INBOX",
		[]byte("Subject: hi\r\n\r\nline one\r\nline two\r\nline three\r\n"), nil, time.Unix(0, 0))

	reg := NewRegistry()
	RegisterTransactionCommands(reg)
	sess := newTransactionSession(t, st, "alice@example.com")
	ctx := context.Background()

	retrCmd, _ := reg.Get("RETR")
	resp, err := retrCmd.Execute(ctx, sess, testLogger(), []string{"1"})
	if err != nil || !resp.OK {
		t.Fatalf("RETR: resp=%v err=%v", resp, err)
	}
	if len(resp.Lines) == 0 {
		t.Fatal("expected RETR to return message lines")
	}

	topCmd, _ := reg.Get("TOP")
	resp, err = topCmd.Execute(ctx, sess, testLogger(), []string{"1", "1"})
	if err != nil || !resp.OK {
		t.Fatalf("TOP: resp=%v err=%v", resp, err)
	}
	// Header line, blank separator, and exactly one body line.
	if len(resp.Lines) != 3 {
		t.Errorf("TOP 1 1 returned %d lines, want 3: %v", len(resp.Lines), resp.Lines)
	}
}

func TestUidlListsUniqueIDs(t *testing.T) {
	st := store.NewMemoryStore()
	st.AddMessage("alice@example.com", "INBOX", []byte("Subject: one\r\n\r\nbody\r\n"), nil, time.Unix(0, 0))

	reg := NewRegistry()
	RegisterTransactionCommands(reg)
	sess := newTransactionSession(t, st, "alice@example.com")
	ctx := context.Background()

	uidlCmd, _ := reg.Get("UIDL")
	resp, err := uidlCmd.Execute(ctx, sess, testLogger(), nil)
	if err != nil || !resp.OK || len(resp.Lines) != 1 {
		t.Fatalf("UIDL: resp=%v err=%v", resp, err)
	}
}

func TestCommandsRejectWrongState(t *testing.T) {
	reg := NewRegistry()
	RegisterTransactionCommands(reg)
	sess := NewSession("test.example.com", config.ModePOP3, nil, false, nil)

	statCmd, _ := reg.Get("STAT")
	resp, err := statCmd.Execute(context.Background(), sess, testLogger(), nil)
	if err != nil || resp.OK {
		t.Fatalf("expected STAT to fail in AUTHORIZATION state, got resp=%v err=%v", resp, err)
	}
}
