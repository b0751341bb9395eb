package imap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/infodancer/mailcore/internal/framing"
	"github.com/infodancer/mailcore/internal/quota"
	"github.com/infodancer/mailcore/internal/store"
)

// dateLayouts covers the internal-date formats APPEND may carry: quoted
// IMAP date-time ("02-Jan-2006 15:04:05 -0700") and, per an Open Question
// in spec.md §9, a malformed date is a hard parse error rather than a
// silent fallback to time.Now().
var dateLayouts = []string{
	"02-Jan-2006 15:04:05 -0700",
	"2-Jan-2006 15:04:05 -0700",
}

func parseInternalDate(s string) (time.Time, error) {
	s = strings.Trim(s, `"`)
	var lastErr error
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, fmt.Errorf("imap: malformed internal date %q: %w", s, lastErr)
}

// appendCommand implements APPEND (RFC 9051 §6.3.12). Its argument list
// ends with a literal announcement ("{N}" or "{N+}") rather than an
// inline token, so Execute reads the trailing bytes directly off the
// connection via Conn.ReadLiteral after parsing the flag/date prefix.
type appendCommand struct {
	store    store.Store
	quotaMgr quota.Manager
}

func (a *appendCommand) Name() string { return "APPEND" }

func (a *appendCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if sess.State() != StateAuthenticated && sess.State() != StateSelected {
		return Response{Status: "BAD", Message: "Command not valid in this state"}, nil
	}
	if sess.StoreSession() == nil || len(args) < 2 {
		return Response{Status: "BAD", Message: "APPEND requires a mailbox name and a literal message"}, nil
	}

	mailboxName := args[0]
	rest := args[1:]

	prefix, hdr, ok := framing.ParseLiteralHeader(strings.Join(rest, " "))
	if !ok {
		return Response{Status: "BAD", Message: "APPEND requires a literal message body"}, nil
	}

	fields := strings.Fields(prefix)
	var flags []string
	internalDate := time.Time{}
	hasDate := false

	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case strings.HasPrefix(f, "("):
			flags, i = collectParenGroup(fields, i)
		case strings.HasPrefix(f, `"`):
			dateTokens, next := collectQuoted(fields, i)
			d, err := parseInternalDate(strings.Join(dateTokens, " "))
			if err != nil {
				return Response{Status: "BAD", Message: err.Error()}, nil
			}
			internalDate = d
			hasDate = true
			i = next
		}
	}
	if !hasDate {
		internalDate = time.Now()
	}

	if a.quotaMgr != nil {
		ok, err := a.quotaMgr.CanStore(ctx, sess.Username(), hdr.Size)
		if err != nil {
			return Response{Status: "NO", Message: "APPEND failed"}, nil
		}
		if !ok {
			return Response{Status: "NO", Code: "OVERQUOTA", Message: "Quota exceeded"}, nil
		}
	}

	mbox, err := sess.StoreSession().OpenMailbox(ctx, mailboxName, false)
	if err != nil {
		if err == store.ErrNoSuchMailbox {
			return Response{Status: "NO", Code: "TRYCREATE", Message: "Mailbox does not exist"}, nil
		}
		return Response{Status: "NO", Message: "APPEND failed"}, nil
	}
	defer mbox.Close(ctx, false)

	txn, err := mbox.StartAppend(ctx, flags, internalDate)
	if err != nil {
		return Response{Status: "NO", Message: "APPEND failed"}, nil
	}

	if hdr.NonSync {
		// A "+" continuation is unnecessary for a non-synchronizing
		// literal; the client already sent the bytes.
	} else {
		if err := conn.WriteLine("+ Ready for literal data"); err != nil {
			_ = txn.Abort(ctx)
			return Response{}, err
		}
		if err := conn.Flush(); err != nil {
			_ = txn.Abort(ctx)
			return Response{}, err
		}
	}

	if err := conn.ReadLiteral(ctx, hdr.Size, txn); err != nil {
		_ = txn.Abort(ctx)
		return Response{Status: "NO", Message: "Failed to read literal"}, nil
	}

	// The literal is followed by the remainder of the command line
	// (normally empty) before CRLF; drain it so the next ReadLine starts
	// at the next command.
	if _, err := conn.ReadLine(ctx); err != nil {
		_ = txn.Abort(ctx)
		return Response{Status: "NO", Message: "Malformed APPEND"}, nil
	}

	uid, err := txn.Commit(ctx)
	if err != nil {
		return Response{Status: "NO", Message: "APPEND failed"}, nil
	}

	uidValid, _ := mbox.UIDValidity(ctx)
	return Response{
		Status:  "OK",
		Code:    fmt.Sprintf("APPENDUID %d %d", uidValid, uid),
		Message: "APPEND completed",
	}, nil
}

// collectParenGroup scans fields starting at i (which begins with "(")
// until a field ending in ")" is found, returning the enclosed flag
// tokens and the index of the last field consumed.
func collectParenGroup(fields []string, i int) ([]string, int) {
	var flags []string
	first := strings.TrimPrefix(fields[i], "(")
	if strings.HasSuffix(first, ")") {
		return []string{strings.TrimSuffix(first, ")")}, i
	}
	flags = append(flags, first)
	for j := i + 1; j < len(fields); j++ {
		f := fields[j]
		if strings.HasSuffix(f, ")") {
			flags = append(flags, strings.TrimSuffix(f, ")"))
			return flags, j
		}
		flags = append(flags, f)
	}
	return flags, len(fields) - 1
}

// collectQuoted scans fields starting at i (which begins with `"`) until
// a field ending in `"` is found, returning the enclosed tokens and the
// index of the last field consumed.
func collectQuoted(fields []string, i int) ([]string, int) {
	first := fields[i]
	if len(first) > 1 && strings.HasSuffix(first, `"`) {
		return []string{first}, i
	}
	tokens := []string{first}
	for j := i + 1; j < len(fields); j++ {
		tokens = append(tokens, fields[j])
		if strings.HasSuffix(fields[j], `"`) {
			return tokens, j
		}
	}
	return tokens, len(fields) - 1
}

// RegisterAppendCommand registers APPEND into r.
func RegisterAppendCommand(r *Registry, st store.Store, quotaMgr quota.Manager) {
	r.Register(&appendCommand{store: st, quotaMgr: quotaMgr})
}
