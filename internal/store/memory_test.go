package store

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/infodancer/mailcore/internal/search"
)

func TestMemoryStoreOpenCreatesInbox(t *testing.T) {
	s := NewMemoryStore()
	sess, err := s.Open(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	mb, err := sess.OpenMailbox(context.Background(), "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox(INBOX) error = %v", err)
	}
	count, _ := mb.MessageCount(context.Background())
	if count != 0 {
		t.Errorf("expected empty INBOX, got %d messages", count)
	}
}

func TestMemoryStoreAppendAndCommit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess, _ := s.Open(ctx, "alice")
	mb, _ := sess.OpenMailbox(ctx, "INBOX", false)

	tx, err := mb.StartAppend(ctx, []string{"\\Seen"}, time.Now())
	if err != nil {
		t.Fatalf("StartAppend() error = %v", err)
	}
	if _, err := tx.Write([]byte("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	uid, err := tx.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if uid == 0 {
		t.Error("expected non-zero UID")
	}

	count, _ := mb.MessageCount(ctx)
	if count != 1 {
		t.Fatalf("expected 1 message, got %d", count)
	}

	desc, err := mb.GetMessage(ctx, 1)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if desc.UID != uid {
		t.Errorf("descriptor UID = %d, want %d", desc.UID, uid)
	}
}

func TestMemoryMailboxDeleteAndExpunge(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.AddMessage("alice", "INBOX", []byte("Subject: one\r\n\r\nbody1"), nil, time.Now())
	s.AddMessage("alice", "INBOX", []byte("Subject: two\r\n\r\nbody2"), nil, time.Now())

	sess, _ := s.Open(ctx, "alice")
	mb, _ := sess.OpenMailbox(ctx, "INBOX", false)

	if err := mb.DeleteMessage(ctx, 1); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}
	deleted, _ := mb.IsDeleted(ctx, 1)
	if !deleted {
		t.Error("expected message 1 to be marked deleted")
	}

	expunged, err := mb.Expunge(ctx)
	if err != nil {
		t.Fatalf("Expunge() error = %v", err)
	}
	if len(expunged) != 1 || expunged[0] != 1 {
		t.Errorf("expunged = %v, want [1]", expunged)
	}

	count, _ := mb.MessageCount(ctx)
	if count != 1 {
		t.Fatalf("expected 1 remaining message, got %d", count)
	}
}

func TestMemoryMailboxGetMessageContent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.AddMessage("alice", "INBOX", []byte("Subject: hi\r\n\r\nline1\r\nline2\r\nline3"), nil, time.Now())

	sess, _ := s.Open(ctx, "alice")
	mb, _ := sess.OpenMailbox(ctx, "INBOX", false)

	rc, err := mb.GetMessageContent(ctx, 1)
	if err != nil {
		t.Fatalf("GetMessageContent() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "Subject: hi\r\n\r\nline1\r\nline2\r\nline3" {
		t.Errorf("unexpected content: %q", data)
	}
}

func TestMemoryMailboxGetMessageTop(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.AddMessage("alice", "INBOX", []byte("Subject: hi\r\n\r\nline1\r\nline2\r\nline3"), nil, time.Now())

	sess, _ := s.Open(ctx, "alice")
	mb, _ := sess.OpenMailbox(ctx, "INBOX", false)

	rc, err := mb.GetMessageTop(ctx, 1, 1)
	if err != nil {
		t.Fatalf("GetMessageTop() error = %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "Subject: hi\r\n\r\nline1" {
		t.Errorf("unexpected top content: %q", data)
	}
}

func TestMemoryMailboxSearch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.AddMessage("alice", "INBOX", []byte("Subject: hello world\r\n\r\nbody"), []string{"\\Seen"}, time.Now())
	s.AddMessage("alice", "INBOX", []byte("Subject: goodbye\r\n\r\nbody"), nil, time.Now())

	sess, _ := s.Open(ctx, "alice")
	mb, _ := sess.OpenMailbox(ctx, "INBOX", false)

	crit, err := search.NewParser([]string{"SUBJECT", "hello"}).Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	matches, err := mb.Search(ctx, crit)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(matches) != 1 || matches[0] != 1 {
		t.Errorf("matches = %v, want [1]", matches)
	}

	crit, _ = search.NewParser([]string{"SEEN"}).Parse()
	matches, _ = mb.Search(ctx, crit)
	if len(matches) != 1 || matches[0] != 1 {
		t.Errorf("SEEN matches = %v, want [1]", matches)
	}
}

func TestSessionCreateRenameDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess, _ := s.Open(ctx, "alice")

	if err := sess.Create(ctx, "Archive"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := sess.Create(ctx, "Archive"); err != ErrMailboxExists {
		t.Errorf("expected ErrMailboxExists, got %v", err)
	}

	if err := sess.Rename(ctx, "Archive", "Archived"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if _, err := sess.OpenMailbox(ctx, "Archived", false); err != nil {
		t.Fatalf("OpenMailbox(Archived) error = %v", err)
	}

	if err := sess.Delete(ctx, "Archived"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := sess.OpenMailbox(ctx, "Archived", false); err != ErrNoSuchMailbox {
		t.Errorf("expected ErrNoSuchMailbox after delete, got %v", err)
	}
}

func TestSessionListPattern(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess, _ := s.Open(ctx, "alice")
	_ = sess.Create(ctx, "Work/Projects")
	_ = sess.Create(ctx, "Work/Archive")
	_ = sess.Create(ctx, "Personal")

	all, err := sess.List(ctx, "", "*")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 4 { // INBOX + 3 created
		t.Errorf("expected 4 mailboxes, got %d: %+v", len(all), all)
	}

	workOnly, err := sess.List(ctx, "", "Work/%")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(workOnly) != 2 {
		t.Errorf("expected 2 mailboxes under Work/, got %d: %+v", len(workOnly), workOnly)
	}
}

func TestMailboxUpdatesOnAppend(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess, _ := s.Open(ctx, "alice")
	mb, _ := sess.OpenMailbox(ctx, "INBOX", false)

	tx, _ := mb.StartAppend(ctx, nil, time.Now())
	_, _ = tx.Write([]byte("Subject: x\r\n\r\nbody"))
	if _, err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	select {
	case u := <-mb.Updates():
		if u.Kind != "EXISTS" {
			t.Errorf("update kind = %q, want EXISTS", u.Kind)
		}
	default:
		t.Fatal("expected an EXISTS update after commit")
	}
}
