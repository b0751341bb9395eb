package imap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/infodancer/mailcore/internal/search"
	"github.com/infodancer/mailcore/internal/store"
)

// resolveSeqSet expands a SEARCH/FETCH/STORE sequence-set argument into
// concrete sequence numbers against the currently selected mailbox.
func resolveSeqSet(raw string, isUID bool, sel *SelectedMailbox, mbox store.Mailbox, ctx context.Context) ([]int, error) {
	ranges, err := search.ParseSeqSet(raw)
	if err != nil {
		return nil, err
	}

	if !isUID {
		var seqs []int
		for s := 1; s <= sel.MsgCount; s++ {
			for _, r := range ranges {
				if r.Contains(uint32(s), uint32(sel.MsgCount)) {
					seqs = append(seqs, s)
					break
				}
			}
		}
		return seqs, nil
	}

	msgs, err := mbox.GetMessageList(ctx)
	if err != nil {
		return nil, err
	}
	var maxUID uint32
	for _, m := range msgs {
		if m.UID > maxUID {
			maxUID = m.UID
		}
	}
	var seqs []int
	for _, m := range msgs {
		for _, r := range ranges {
			if r.Contains(m.UID, maxUID) {
				seqs = append(seqs, m.Seq)
				break
			}
		}
	}
	return seqs, nil
}

// searchCommand implements SEARCH (RFC 9051 §6.4.4) by parsing the
// criteria into internal/search's AST and delegating evaluation to the
// selected mailbox.
type searchCommand struct {
	isUID bool
}

func (s *searchCommand) Name() string {
	if s.isUID {
		return "UID SEARCH"
	}
	return "SEARCH"
}

func (s *searchCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	sel := sess.Selected()
	if sel == nil {
		return Response{Status: "BAD", Message: "No mailbox selected"}, nil
	}
	if len(args) == 0 {
		return Response{Status: "BAD", Message: "SEARCH requires criteria"}, nil
	}

	parser := search.NewParser(args)
	crit, err := parser.Parse()
	if err != nil {
		return Response{Status: "BAD", Message: fmt.Sprintf("Invalid search criteria: %s", err.Error())}, nil
	}

	matches, err := sel.Mailbox.Search(ctx, crit)
	if err != nil {
		return Response{Status: "NO", Message: "SEARCH failed"}, nil
	}

	nums := make([]string, 0, len(matches))
	for _, seq := range matches {
		if s.isUID {
			uid, err := sel.Mailbox.GetUniqueID(ctx, seq)
			if err != nil {
				continue
			}
			nums = append(nums, uid)
		} else {
			nums = append(nums, strconv.Itoa(seq))
		}
	}

	return Response{
		Status:   "OK",
		Message:  "SEARCH completed",
		Untagged: []string{"SEARCH " + strings.Join(nums, " ")},
	}, nil
}

// fetchItem renders one FETCH data item for seq, limited to the items the
// reference store can materialize directly: FLAGS, UID, RFC822.SIZE,
// INTERNALDATE, BODY[]/BODY.PEEK[]/RFC822, and
// BODY[HEADER]/BODY.PEEK[HEADER]/RFC822.HEADER.
func fetchItem(ctx context.Context, mbox store.Mailbox, seq int, item string) (string, error) {
	upper := strings.ToUpper(item)
	switch {
	case upper == "FLAGS":
		desc, err := mbox.GetMessage(ctx, seq)
		if err != nil {
			return "", err
		}
		return "FLAGS (" + strings.Join(desc.Flags, " ") + ")", nil
	case upper == "UID":
		uid, err := mbox.GetUniqueID(ctx, seq)
		if err != nil {
			return "", err
		}
		return "UID " + uid, nil
	case upper == "RFC822.SIZE":
		desc, err := mbox.GetMessage(ctx, seq)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("RFC822.SIZE %d", desc.Size), nil
	case upper == "INTERNALDATE":
		desc, err := mbox.GetMessage(ctx, seq)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("INTERNALDATE %q", desc.InternalDate.Format("02-Jan-2006 15:04:05 -0700")), nil
	case upper == "RFC822" || upper == "BODY[]" || upper == "BODY.PEEK[]":
		rc, err := mbox.GetMessageContent(ctx, seq)
		if err != nil {
			return "", err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("BODY[] {%d}\r\n%s", len(data), data), nil
	case upper == "RFC822.HEADER" || upper == "BODY[HEADER]" || upper == "BODY.PEEK[HEADER]":
		rc, err := mbox.GetMessageTop(ctx, seq, 0)
		if err != nil {
			return "", err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("BODY[HEADER] {%d}\r\n%s", len(data), data), nil
	default:
		return "", fmt.Errorf("imap: unsupported FETCH item %q", item)
	}
}

type fetchCommand struct {
	isUID bool
}

func (f *fetchCommand) Name() string {
	if f.isUID {
		return "UID FETCH"
	}
	return "FETCH"
}

func (f *fetchCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	sel := sess.Selected()
	if sel == nil {
		return Response{Status: "BAD", Message: "No mailbox selected"}, nil
	}
	if len(args) < 2 {
		return Response{Status: "BAD", Message: "FETCH requires a sequence set and an item list"}, nil
	}

	seqs, err := resolveSeqSet(args[0], f.isUID, sel, sel.Mailbox, ctx)
	if err != nil {
		return Response{Status: "BAD", Message: "Invalid sequence set"}, nil
	}

	items := stripParens(args[1:])
	if f.isUID {
		items = appendIfMissing(items, "UID")
	}

	var untagged []string
	for _, seq := range seqs {
		var rendered []string
		for _, item := range items {
			v, err := fetchItem(ctx, sel.Mailbox, seq, item)
			if err != nil {
				continue
			}
			rendered = append(rendered, v)
		}
		untagged = append(untagged, fmt.Sprintf("%d FETCH (%s)", seq, strings.Join(rendered, " ")))
	}

	name := "FETCH"
	if f.isUID {
		name = "UID FETCH"
	}
	return Response{Status: "OK", Message: name + " completed", Untagged: untagged}, nil
}

func appendIfMissing(items []string, want string) []string {
	for _, i := range items {
		if strings.EqualFold(i, want) {
			return items
		}
	}
	return append(items, want)
}

// storeCommand implements STORE (RFC 9051 §6.4.6), limited to the
// \Deleted flag since the reference Mailbox interface exposes only
// DeleteMessage/UndeleteAll as flag mutators.
type storeCommand struct {
	isUID bool
}

func (s *storeCommand) Name() string {
	if s.isUID {
		return "UID STORE"
	}
	return "STORE"
}

func (s *storeCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	sel := sess.Selected()
	if sel == nil {
		return Response{Status: "BAD", Message: "No mailbox selected"}, nil
	}
	if sel.ReadOnly {
		return Response{Status: "NO", Message: "Mailbox is read-only"}, nil
	}
	if len(args) < 3 {
		return Response{Status: "BAD", Message: "STORE requires a sequence set, item, and flags"}, nil
	}

	seqs, err := resolveSeqSet(args[0], s.isUID, sel, sel.Mailbox, ctx)
	if err != nil {
		return Response{Status: "BAD", Message: "Invalid sequence set"}, nil
	}

	action := strings.ToUpper(args[1])
	flags := stripParens(args[2:])
	wantsDeleted := hasFlag(flags, "\\Deleted")
	silent := strings.Contains(action, ".SILENT")

	var untagged []string
	for _, seq := range seqs {
		switch {
		case strings.HasPrefix(action, "+FLAGS") && wantsDeleted:
			if err := sel.Mailbox.DeleteMessage(ctx, seq); err != nil {
				continue
			}
		case strings.HasPrefix(action, "-FLAGS") && wantsDeleted:
			// Per-message undelete isn't exposed by store.Mailbox, so
			// the message stays marked \Deleted.
		case strings.HasPrefix(action, "FLAGS") && wantsDeleted:
			if err := sel.Mailbox.DeleteMessage(ctx, seq); err != nil {
				continue
			}
		}
		if !silent {
			desc, err := sel.Mailbox.GetMessage(ctx, seq)
			if err != nil {
				continue
			}
			untagged = append(untagged, fmt.Sprintf("%d FETCH (FLAGS (%s))", seq, strings.Join(desc.Flags, " ")))
		}
	}

	name := "STORE"
	if s.isUID {
		name = "UID STORE"
	}
	return Response{Status: "OK", Message: name + " completed", Untagged: untagged}, nil
}

// copyCommand implements COPY (RFC 9051 §6.4.7) by reading each source
// message's full content and appending it into the destination mailbox.
type copyCommand struct {
	store store.Store
	isUID bool
}

func (c *copyCommand) Name() string {
	if c.isUID {
		return "UID COPY"
	}
	return "COPY"
}

func (c *copyCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	sel := sess.Selected()
	if sel == nil {
		return Response{Status: "BAD", Message: "No mailbox selected"}, nil
	}
	if len(args) != 2 {
		return Response{Status: "BAD", Message: "COPY requires a sequence set and a destination mailbox"}, nil
	}

	seqs, err := resolveSeqSet(args[0], c.isUID, sel, sel.Mailbox, ctx)
	if err != nil {
		return Response{Status: "BAD", Message: "Invalid sequence set"}, nil
	}

	dest, err := sess.StoreSession().OpenMailbox(ctx, args[1], false)
	if err != nil {
		if err == store.ErrNoSuchMailbox {
			return Response{Status: "NO", Code: "TRYCREATE", Message: "Destination mailbox does not exist"}, nil
		}
		return Response{Status: "NO", Message: "COPY failed"}, nil
	}
	defer dest.Close(ctx, false)

	for _, seq := range seqs {
		if err := copyMessage(ctx, sel.Mailbox, dest, seq); err != nil {
			return Response{Status: "NO", Message: "COPY failed"}, nil
		}
	}

	name := "COPY"
	if c.isUID {
		name = "UID COPY"
	}
	return Response{Status: "OK", Message: name + " completed"}, nil
}

func copyMessage(ctx context.Context, src, dest store.Mailbox, seq int) error {
	desc, err := src.GetMessage(ctx, seq)
	if err != nil {
		return err
	}
	rc, err := src.GetMessageContent(ctx, seq)
	if err != nil {
		return err
	}
	defer rc.Close()

	txn, err := dest.StartAppend(ctx, desc.Flags, desc.InternalDate)
	if err != nil {
		return err
	}
	if _, err := io.Copy(txn, bufio.NewReader(rc)); err != nil {
		_ = txn.Abort(ctx)
		return err
	}
	_, err = txn.Commit(ctx)
	return err
}

// moveCommand implements MOVE (RFC 9051 §6.4.8) as COPY followed by
// marking the source messages deleted and expunging them.
type moveCommand struct {
	store store.Store
	isUID bool
}

func (m *moveCommand) Name() string {
	if m.isUID {
		return "UID MOVE"
	}
	return "MOVE"
}

func (m *moveCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	sel := sess.Selected()
	if sel == nil {
		return Response{Status: "BAD", Message: "No mailbox selected"}, nil
	}
	if len(args) != 2 {
		return Response{Status: "BAD", Message: "MOVE requires a sequence set and a destination mailbox"}, nil
	}

	seqs, err := resolveSeqSet(args[0], m.isUID, sel, sel.Mailbox, ctx)
	if err != nil {
		return Response{Status: "BAD", Message: "Invalid sequence set"}, nil
	}

	dest, err := sess.StoreSession().OpenMailbox(ctx, args[1], false)
	if err != nil {
		if err == store.ErrNoSuchMailbox {
			return Response{Status: "NO", Code: "TRYCREATE", Message: "Destination mailbox does not exist"}, nil
		}
		return Response{Status: "NO", Message: "MOVE failed"}, nil
	}
	defer dest.Close(ctx, false)

	for _, seq := range seqs {
		if err := copyMessage(ctx, sel.Mailbox, dest, seq); err != nil {
			return Response{Status: "NO", Message: "MOVE failed"}, nil
		}
		if err := sel.Mailbox.DeleteMessage(ctx, seq); err != nil {
			return Response{Status: "NO", Message: "MOVE failed"}, nil
		}
	}
	expunged, err := sel.Mailbox.Expunge(ctx)
	if err != nil {
		return Response{Status: "NO", Message: "MOVE failed"}, nil
	}

	untagged := make([]string, len(expunged))
	for i, seq := range expunged {
		untagged[i] = fmt.Sprintf("%d EXPUNGE", seq)
	}

	name := "MOVE"
	if m.isUID {
		name = "UID MOVE"
	}
	return Response{Status: "OK", Message: name + " completed", Untagged: untagged}, nil
}

// expungeCommand implements EXPUNGE (RFC 9051 §6.4.3).
type expungeCommand struct{}

func (e *expungeCommand) Name() string { return "EXPUNGE" }

func (e *expungeCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	sel := sess.Selected()
	if sel == nil {
		return Response{Status: "BAD", Message: "No mailbox selected"}, nil
	}
	if sel.ReadOnly {
		return Response{Status: "NO", Message: "Mailbox is read-only"}, nil
	}

	expunged, err := sel.Mailbox.Expunge(ctx)
	if err != nil {
		return Response{Status: "NO", Message: "EXPUNGE failed"}, nil
	}
	untagged := make([]string, len(expunged))
	for i, seq := range expunged {
		untagged[i] = fmt.Sprintf("%d EXPUNGE", seq)
	}
	return Response{Status: "OK", Message: "EXPUNGE completed", Untagged: untagged}, nil
}

// uidCommand dispatches "UID SEARCH|FETCH|STORE|COPY|MOVE" to the
// corresponding UID-flavored command (RFC 9051 §6.4.9).
type uidCommand struct {
	registry *Registry
}

func (u *uidCommand) Name() string { return "UID" }

func (u *uidCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if len(args) < 1 {
		return Response{Status: "BAD", Message: "UID requires a subcommand"}, nil
	}
	sub := strings.ToUpper(args[0])
	cmd, ok := u.registry.Get("UID " + sub)
	if !ok {
		return Response{Status: "BAD", Message: fmt.Sprintf("Unsupported UID subcommand %q", sub)}, nil
	}
	return cmd.Execute(ctx, sess, conn, tag, args[1:])
}

// RegisterFetchCommands registers SEARCH/FETCH/STORE/COPY/MOVE/EXPUNGE and
// their UID-prefixed variants, plus the UID dispatcher itself.
func RegisterFetchCommands(r *Registry, st store.Store) {
	r.Register(&searchCommand{})
	r.Register(&fetchCommand{})
	r.Register(&storeCommand{})
	r.Register(&copyCommand{store: st})
	r.Register(&moveCommand{store: st})
	r.Register(&expungeCommand{})

	r.commands["UID SEARCH"] = &searchCommand{isUID: true}
	r.commands["UID FETCH"] = &fetchCommand{isUID: true}
	r.commands["UID STORE"] = &storeCommand{isUID: true}
	r.commands["UID COPY"] = &copyCommand{store: st, isUID: true}
	r.commands["UID MOVE"] = &moveCommand{store: st, isUID: true}

	r.Register(&uidCommand{registry: r})
}
