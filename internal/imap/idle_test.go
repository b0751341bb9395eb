package imap

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/mailcore/internal/store"
)

// idleTestConn extends testConn so ReadLine can block until a line is fed
// to it, letting the test control exactly when "DONE" arrives relative to
// the mailbox update it's racing against.
type idleTestConn struct {
	*testConn
	lines chan string
}

func newIdleTestConn() *idleTestConn {
	return &idleTestConn{testConn: newTestConn(), lines: make(chan string, 1)}
}

func (c *idleTestConn) ReadLine(ctx context.Context) (string, error) {
	select {
	case line := <-c.lines:
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestIdlePushesUpdateThenTerminatesOnDone(t *testing.T) {
	st := store.NewMemoryStore()
	sess := selectedSession(t, st, "alice@example.com", "INBOX")
	ctx := context.Background()

	reg := NewRegistry()
	RegisterIdleCommand(reg)
	cmd, _ := reg.Get("IDLE")

	conn := newIdleTestConn()

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := cmd.Execute(ctx, sess, conn, "a1", nil)
		done <- result{resp, err}
	}()

	// Append a message on another session against the same underlying
	// mailbox data so the IDLE goroutine observes a live EXISTS update.
	other, err := st.Open(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mbox, err := other.OpenMailbox(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("OpenMailbox: %v", err)
	}
	txn, err := mbox.StartAppend(ctx, nil, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("StartAppend: %v", err)
	}
	if _, err := txn.Write([]byte("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := txn.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	sawExists := false
	for !sawExists {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for an EXISTS push during IDLE")
		default:
		}
		if strings.Contains(conn.written.String(), "EXISTS") {
			sawExists = true
		}
	}

	conn.lines <- "DONE"

	select {
	case r := <-done:
		if r.err != nil || r.resp.Status != "OK" {
			t.Fatalf("IDLE: resp=%v err=%v", r.resp, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("IDLE did not terminate after DONE")
	}
}

func TestIdleWorksFromAuthenticatedState(t *testing.T) {
	st := store.NewMemoryStore()
	sess := authenticatedSession(t, st, "alice@example.com")

	reg := NewRegistry()
	RegisterIdleCommand(reg)
	cmd, _ := reg.Get("IDLE")

	conn := newIdleTestConn()

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := cmd.Execute(context.Background(), sess, conn, "a1", nil)
		done <- result{resp, err}
	}()

	conn.lines <- "DONE"

	select {
	case r := <-done:
		if r.err != nil || r.resp.Status != "OK" {
			t.Fatalf("IDLE from AUTHENTICATED: resp=%v err=%v", r.resp, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("IDLE did not terminate after DONE")
	}
}

func TestIdleIgnoresNonDoneLines(t *testing.T) {
	st := store.NewMemoryStore()
	sess := selectedSession(t, st, "alice@example.com", "INBOX")
	ctx := context.Background()

	reg := NewRegistry()
	RegisterIdleCommand(reg)
	cmd, _ := reg.Get("IDLE")

	conn := newIdleTestConn()

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := cmd.Execute(ctx, sess, conn, "a1", nil)
		done <- result{resp, err}
	}()

	conn.lines <- "NOOP"

	select {
	case r := <-done:
		t.Fatalf("IDLE terminated on a non-DONE line: resp=%v err=%v", r.resp, r.err)
	case <-time.After(200 * time.Millisecond):
	}

	conn.lines <- "DONE"

	select {
	case r := <-done:
		if r.err != nil || r.resp.Status != "OK" {
			t.Fatalf("IDLE: resp=%v err=%v", r.resp, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("IDLE did not terminate after DONE")
	}
}
