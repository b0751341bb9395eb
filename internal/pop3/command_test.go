package pop3

import (
	"context"
	"testing"
)

type stubCommand struct{ name string }

func (c *stubCommand) Name() string { return c.name }

func (c *stubCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	return Response{OK: true}, nil
}

func TestRegistryRegisterAndGetIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubCommand{name: "NOOP"})

	if _, ok := r.Get("noop"); !ok {
		t.Fatal("expected lowercase lookup to find NOOP")
	}
	if _, ok := r.Get("QUIT"); ok {
		t.Fatal("unexpected command found for unregistered name")
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line     string
		wantName string
		wantArgs []string
	}{
		{"USER alice", "USER", []string{"alice"}},
		{"stat", "STAT", nil},
		{"  TOP 1 10  ", "TOP", []string{"1", "10"}},
	}

	for _, c := range cases {
		name, args, err := ParseCommand(c.line)
		if err != nil {
			t.Fatalf("ParseCommand(%q): %v", c.line, err)
		}
		if name != c.wantName {
			t.Errorf("ParseCommand(%q) name = %q, want %q", c.line, name, c.wantName)
		}
		if len(args) != len(c.wantArgs) {
			t.Errorf("ParseCommand(%q) args = %v, want %v", c.line, args, c.wantArgs)
		}
	}
}

func TestParseCommandEmptyLine(t *testing.T) {
	if _, _, err := ParseCommand("   "); err == nil {
		t.Fatal("expected an error for an empty command line")
	}
}

func TestResponseString(t *testing.T) {
	ok := Response{OK: true, Message: "ready"}
	if got, want := ok.String(), "+OK ready\r\n"; got != want {
		t.Errorf("Response.String() = %q, want %q", got, want)
	}

	err := Response{OK: false, Message: "no such message"}
	if got, want := err.String(), "-ERR no such message\r\n"; got != want {
		t.Errorf("Response.String() = %q, want %q", got, want)
	}

	multi := Response{OK: true, Lines: []string{"1 120", ".leading dot"}}
	got := multi.String()
	want := "+OK\r\n1 120\r\n..leading dot\r\n.\r\n"
	if got != want {
		t.Errorf("Response.String() = %q, want %q", got, want)
	}
}
