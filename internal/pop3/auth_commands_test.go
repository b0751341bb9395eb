package pop3

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"testing"

	"github.com/infodancer/mailcore/internal/config"
	"github.com/infodancer/mailcore/internal/realm"
	"github.com/infodancer/mailcore/internal/sasl"
	"github.com/infodancer/mailcore/internal/store"
)

func testLogger() ConnectionLogger {
	return &connLogger{slog.New(slog.NewTextHandler(discardWriter{}, nil))}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestEnv() (*realm.MemoryRealm, *store.MemoryStore, *sasl.Engine) {
	r := realm.NewMemoryRealm("mailcore")
	r.AddUser("alice", "hunter2")
	st := store.NewMemoryStore()
	engine := sasl.New(r, sasl.Mechanisms, true)
	return r, st, engine
}

func newTestRegistry() (*Registry, *realm.MemoryRealm, *store.MemoryStore) {
	r, st, engine := newTestEnv()
	reg := NewRegistry()
	RegisterAuthCommands(reg, r, st, engine)
	RegisterTransactionCommands(reg)
	return reg, r, st
}

func TestUserPassSuccess(t *testing.T) {
	reg, _, _ := newTestRegistry()
	sess := NewSession("test.example.com", config.ModePOP3S, nil, true, nil)
	ctx := context.Background()

	userCmd, _ := reg.Get("USER")
	resp, err := userCmd.Execute(ctx, sess, testLogger(), []string{"alice"})
	if err != nil || !resp.OK {
		t.Fatalf("USER: resp=%v err=%v", resp, err)
	}

	passCmd, _ := reg.Get("PASS")
	resp, err = passCmd.Execute(ctx, sess, testLogger(), []string{"hunter2"})
	if err != nil || !resp.OK {
		t.Fatalf("PASS: resp=%v err=%v", resp, err)
	}
	if sess.State() != StateTransaction {
		t.Fatalf("state after PASS = %v, want StateTransaction", sess.State())
	}
	if sess.Mailbox() == nil {
		t.Fatal("expected mailbox to be opened after PASS")
	}
}

func TestPassWrongPassword(t *testing.T) {
	reg, _, _ := newTestRegistry()
	sess := NewSession("test.example.com", config.ModePOP3S, nil, true, nil)
	ctx := context.Background()

	userCmd, _ := reg.Get("USER")
	userCmd.Execute(ctx, sess, testLogger(), []string{"alice"})

	passCmd, _ := reg.Get("PASS")
	resp, err := passCmd.Execute(ctx, sess, testLogger(), []string{"wrong"})
	if err != nil {
		t.Fatalf("PASS: %v", err)
	}
	if resp.OK {
		t.Fatal("expected authentication failure")
	}
	if sess.State() != StateAuthorization {
		t.Fatalf("state after failed PASS = %v, want StateAuthorization", sess.State())
	}
}

func TestPassWithoutUserFails(t *testing.T) {
	reg, _, _ := newTestRegistry()
	sess := NewSession("test.example.com", config.ModePOP3S, nil, true, nil)

	passCmd, _ := reg.Get("PASS")
	resp, err := passCmd.Execute(context.Background(), sess, testLogger(), []string{"hunter2"})
	if err != nil || resp.OK {
		t.Fatalf("expected failure without a preceding USER, got resp=%v err=%v", resp, err)
	}
}

func TestAPOPSuccess(t *testing.T) {
	reg, r, _ := newTestRegistry()
	sess := NewSession("test.example.com", config.ModePOP3, nil, false, nil)
	banner := "<1.1@test.example.com>"
	sess.SetAPOPBanner(banner)

	expected, err := r.APOPResponse(context.Background(), "alice", banner)
	if err != nil {
		t.Fatalf("APOPResponse: %v", err)
	}

	apopCmd, _ := reg.Get("APOP")
	resp, err := apopCmd.Execute(context.Background(), sess, testLogger(), []string{"alice", expected})
	if err != nil || !resp.OK {
		t.Fatalf("APOP: resp=%v err=%v", resp, err)
	}
	if sess.State() != StateTransaction {
		t.Fatalf("state after APOP = %v, want StateTransaction", sess.State())
	}
}

func TestAPOPBadDigest(t *testing.T) {
	reg, _, _ := newTestRegistry()
	sess := NewSession("test.example.com", config.ModePOP3, nil, false, nil)
	sess.SetAPOPBanner("<1.1@test.example.com>")

	bogus := md5.Sum([]byte("not-the-right-digest"))
	apopCmd, _ := reg.Get("APOP")
	resp, err := apopCmd.Execute(context.Background(), sess, testLogger(), []string{"alice", hex.EncodeToString(bogus[:])})
	if err != nil {
		t.Fatalf("APOP: %v", err)
	}
	if resp.OK {
		t.Fatal("expected authentication failure for a wrong digest")
	}
}

func TestAuthPlainInitialResponse(t *testing.T) {
	reg, _, _ := newTestRegistry()
	sess := NewSession("test.example.com", config.ModePOP3S, nil, true, nil)

	authCmd, _ := reg.Get("AUTH")
	initial := encodeSASLForTest("\x00alice\x00hunter2")
	resp, err := authCmd.Execute(context.Background(), sess, testLogger(), []string{"PLAIN", initial})
	if err != nil || !resp.OK {
		t.Fatalf("AUTH PLAIN: resp=%v err=%v", resp, err)
	}
	if sess.State() != StateTransaction {
		t.Fatalf("state after AUTH PLAIN = %v, want StateTransaction", sess.State())
	}
}

func TestAuthLoginMultiStep(t *testing.T) {
	reg, _, _ := newTestRegistry()
	sess := NewSession("test.example.com", config.ModePOP3S, nil, true, nil)
	ctx := context.Background()

	authCmd, _ := reg.Get("AUTH")
	resp, err := authCmd.Execute(ctx, sess, testLogger(), []string{"LOGIN"})
	if err != nil || !resp.Continuation {
		t.Fatalf("AUTH LOGIN: resp=%v err=%v", resp, err)
	}

	a := authCmd.(*authCommand)

	resp, err = a.ProcessSASLResponse(ctx, sess, testLogger(), encodeSASLForTest("alice"))
	if err != nil || !resp.Continuation {
		t.Fatalf("LOGIN username step: resp=%v err=%v", resp, err)
	}

	resp, err = a.ProcessSASLResponse(ctx, sess, testLogger(), encodeSASLForTest("hunter2"))
	if err != nil || !resp.OK {
		t.Fatalf("LOGIN password step: resp=%v err=%v", resp, err)
	}
	if sess.State() != StateTransaction {
		t.Fatalf("state after LOGIN = %v, want StateTransaction", sess.State())
	}
}

func TestAuthUnsupportedMechanism(t *testing.T) {
	reg, _, _ := newTestRegistry()
	sess := NewSession("test.example.com", config.ModePOP3, nil, false, nil)

	authCmd, _ := reg.Get("AUTH")
	resp, err := authCmd.Execute(context.Background(), sess, testLogger(), []string{"BOGUS"})
	if err != nil || resp.OK {
		t.Fatalf("expected failure for unsupported mechanism, got resp=%v err=%v", resp, err)
	}
}

func encodeSASLForTest(s string) string {
	return EncodeSASLChallenge([]byte(s))
}
