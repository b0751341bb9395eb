package imap

import (
	"context"
	"testing"
	"time"

	"github.com/infodancer/mailcore/internal/quota"
	"github.com/infodancer/mailcore/internal/store"
)

func TestParseInternalDate(t *testing.T) {
	got, err := parseInternalDate(`"17-Jul-1996 02:44:25 -0800"`)
	if err != nil {
		t.Fatalf("parseInternalDate: %v", err)
	}
	want := time.Date(1996, time.July, 17, 2, 44, 25, 0, time.FixedZone("", -8*3600))
	if !got.Equal(want) {
		t.Errorf("parseInternalDate = %v, want %v", got, want)
	}
}

func TestParseInternalDateMalformed(t *testing.T) {
	if _, err := parseInternalDate("not a date"); err == nil {
		t.Fatal("expected an error for a malformed internal date")
	}
}

func TestAppendCommitsMessage(t *testing.T) {
	st := store.NewMemoryStore()
	sess := authenticatedSession(t, st, "alice@example.com")

	reg := NewRegistry()
	RegisterAppendCommand(reg, st, nil)
	cmd, _ := reg.Get("APPEND")

	body := "Subject: hi\r\n\r\nhello\r\n"
	conn := newTestConn()
	conn.toRead.WriteString(body)

	args := []string{"INBOX", "{" + itoa(len(body)) + "}"}
	resp, err := cmd.Execute(context.Background(), sess, conn, "a1", args)
	if err != nil || resp.Status != "OK" {
		t.Fatalf("APPEND: resp=%v err=%v", resp, err)
	}

	mbox, err := sess.StoreSession().OpenMailbox(context.Background(), "INBOX", true)
	if err != nil {
		t.Fatalf("OpenMailbox: %v", err)
	}
	count, err := mbox.MessageCount(context.Background())
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if count != 1 {
		t.Errorf("message count = %d, want 1", count)
	}
}

func TestAppendRejectsOverQuota(t *testing.T) {
	st := store.NewMemoryStore()
	sess := authenticatedSession(t, st, "alice@example.com")

	mgr := quota.NewMemoryManager(4, 1000)
	reg := NewRegistry()
	RegisterAppendCommand(reg, st, mgr)
	cmd, _ := reg.Get("APPEND")

	body := "Subject: hi\r\n\r\nhello\r\n"
	conn := newTestConn()
	conn.toRead.WriteString(body)

	args := []string{"INBOX", "{" + itoa(len(body)) + "}"}
	resp, err := cmd.Execute(context.Background(), sess, conn, "a1", args)
	if err != nil || resp.Status != "NO" || resp.Code != "OVERQUOTA" {
		t.Fatalf("APPEND over quota: resp=%v err=%v", resp, err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
