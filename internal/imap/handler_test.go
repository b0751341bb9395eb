package imap

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/logging"
	"github.com/infodancer/mailcore/internal/metrics"
	"github.com/infodancer/mailcore/internal/realm"
	"github.com/infodancer/mailcore/internal/sasl"
	"github.com/infodancer/mailcore/internal/server"
	"github.com/infodancer/mailcore/internal/store"
)

// testClient drives one half of a net.Pipe as an IMAP client for the
// Handler round-trip test.
type testClient struct {
	t *testing.T
	w *bufio.Writer
	r *bufio.Reader
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := c.w.WriteString(line + "\r\n"); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
	if err := c.w.Flush(); err != nil {
		c.t.Fatalf("flush %q: %v", line, err)
	}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("readLine: %v", err)
	}
	return line
}

// readUntilTagged reads lines until one begins with tag+" ", returning
// every line read including the tagged one.
func (c *testClient) readUntilTagged(tag string) []string {
	c.t.Helper()
	var lines []string
	prefix := tag + " "
	for {
		line := c.readLine()
		lines = append(lines, line)
		if strings.HasPrefix(line, prefix) {
			return lines
		}
	}
}

func TestHandlerRoundTrip(t *testing.T) {
	st := store.NewMemoryStore()
	st.AddMessage("alice@example.com", "INBOX", []byte("Subject: hi\r\n\r\nbody\r\n"), nil, time.Unix(0, 0))

	r := realm.NewMemoryRealm("mailcore")
	r.AddUser("alice@example.com", "hunter2")
	engine := sasl.New(r, sasl.Mechanisms, true)

	handler := Handler("test.example.com", r, st, engine, nil, nil, &metrics.NoopCollector{})

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	conn := server.NewConnection(server.ConnectionConfig{
		Conn: serverConn,
		Mode: config.ModeIMAP,
	})

	ctx := logging.WithLogger(context.Background(), logging.NewLogger("error"))
	done := make(chan struct{})
	go func() {
		handler(ctx, conn)
		close(done)
	}()

	client := &testClient{t: t, w: bufio.NewWriter(clientConn), r: bufio.NewReader(clientConn)}

	greeting := client.readLine()
	if !strings.HasPrefix(greeting, "* OK") {
		t.Fatalf("greeting = %q, want \"* OK\" prefix", greeting)
	}

	client.send("a1 LOGIN alice@example.com hunter2")
	lines := client.readUntilTagged("a1")
	if !strings.HasPrefix(lines[len(lines)-1], "a1 OK") {
		t.Fatalf("LOGIN response = %q", lines)
	}

	client.send("a2 SELECT INBOX")
	lines = client.readUntilTagged("a2")
	if !strings.HasPrefix(lines[len(lines)-1], "a2 OK") {
		t.Fatalf("SELECT response = %q", lines)
	}
	sawExists := false
	for _, l := range lines {
		if strings.Contains(l, "EXISTS") {
			sawExists = true
		}
	}
	if !sawExists {
		t.Fatalf("SELECT response missing EXISTS: %v", lines)
	}

	client.send("a3 FETCH 1 (FLAGS UID)")
	lines = client.readUntilTagged("a3")
	if !strings.HasPrefix(lines[len(lines)-1], "a3 OK") {
		t.Fatalf("FETCH response = %q", lines)
	}

	client.send("a4 STORE 1 +FLAGS (\\Deleted)")
	lines = client.readUntilTagged("a4")
	if !strings.HasPrefix(lines[len(lines)-1], "a4 OK") {
		t.Fatalf("STORE response = %q", lines)
	}

	client.send("a5 EXPUNGE")
	lines = client.readUntilTagged("a5")
	if !strings.HasPrefix(lines[len(lines)-1], "a5 OK") {
		t.Fatalf("EXPUNGE response = %q", lines)
	}

	client.send("a6 LOGOUT")
	lines = client.readUntilTagged("a6")
	if !strings.HasPrefix(lines[len(lines)-1], "a6 OK") {
		t.Fatalf("LOGOUT response = %q", lines)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after LOGOUT")
	}

	sess, err := st.Open(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("reopening mailbox: %v", err)
	}
	mbox, err := sess.OpenMailbox(context.Background(), "INBOX", true)
	if err != nil {
		t.Fatalf("OpenMailbox: %v", err)
	}
	count, err := mbox.MessageCount(context.Background())
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if count != 0 {
		t.Errorf("expected the expunged message to be gone, got %d remaining", count)
	}
}
