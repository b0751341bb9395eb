package imap

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/infodancer/mailcore/internal/store"
)

// selectOrExamine implements the shared body of SELECT and EXAMINE
// (RFC 9051 §6.3.1/§6.3.2): close any prior selection, open the named
// mailbox, and report the standard post-SELECT untagged data.
func selectOrExamine(ctx context.Context, sess *Session, conn Conn, name string, readOnly bool) (Response, error) {
	if sess.StoreSession() == nil {
		return Response{Status: "NO", Message: "Mailbox store not available"}, nil
	}

	mbox, err := sess.StoreSession().OpenMailbox(ctx, name, readOnly)
	if err != nil {
		if err == store.ErrNoSuchMailbox {
			return Response{Status: "NO", Message: "Mailbox does not exist"}, nil
		}
		conn.Logger().Error("failed to open mailbox", "mailbox", name, "error", err.Error())
		return Response{Status: "NO", Message: "Failed to open mailbox"}, nil
	}

	count, err := mbox.MessageCount(ctx)
	if err != nil {
		return Response{Status: "NO", Message: "Failed to read mailbox"}, nil
	}
	flags, err := mbox.PermanentFlags(ctx)
	if err != nil {
		return Response{Status: "NO", Message: "Failed to read mailbox"}, nil
	}
	uidValid, err := mbox.UIDValidity(ctx)
	if err != nil {
		return Response{Status: "NO", Message: "Failed to read mailbox"}, nil
	}
	uidNext, err := mbox.UIDNext(ctx)
	if err != nil {
		return Response{Status: "NO", Message: "Failed to read mailbox"}, nil
	}

	sel := &SelectedMailbox{
		Name:      name,
		Mailbox:   mbox,
		ReadOnly:  readOnly,
		Permanent: flags,
		UIDValid:  uidValid,
		UIDNext:   uidNext,
		MsgCount:  count,
	}
	if err := sess.EnterSelected(ctx, sel); err != nil {
		return Response{Status: "NO", Message: "Failed to select mailbox"}, nil
	}

	accessMode := "READ-WRITE"
	if readOnly {
		accessMode = "READ-ONLY"
	}

	return Response{
		Status:  "OK",
		Code:    accessMode,
		Message: "SELECT completed",
		Untagged: []string{
			fmt.Sprintf("%d EXISTS", count),
			"0 RECENT",
			"FLAGS (" + strings.Join(flags, " ") + ")",
			fmt.Sprintf("OK [PERMANENTFLAGS (%s \\*)] Limited", strings.Join(flags, " ")),
			fmt.Sprintf("OK [UIDVALIDITY %d] UIDs valid", uidValid),
			fmt.Sprintf("OK [UIDNEXT %d] Predicted next UID", uidNext),
		},
	}, nil
}

type selectCommand struct{}

func (s *selectCommand) Name() string { return "SELECT" }

func (s *selectCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if len(args) != 1 {
		return Response{Status: "BAD", Message: "SELECT requires a mailbox name"}, nil
	}
	return selectOrExamine(ctx, sess, conn, args[0], false)
}

type examineCommand struct{}

func (e *examineCommand) Name() string { return "EXAMINE" }

func (e *examineCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if len(args) != 1 {
		return Response{Status: "BAD", Message: "EXAMINE requires a mailbox name"}, nil
	}
	return selectOrExamine(ctx, sess, conn, args[0], true)
}

type closeCommand struct{}

func (c *closeCommand) Name() string { return "CLOSE" }

func (c *closeCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if err := sess.LeaveSelected(ctx, true); err != nil {
		return Response{Status: "NO", Message: "Failed to close mailbox"}, nil
	}
	return Response{Status: "OK", Message: "CLOSE completed"}, nil
}

type unselectCommand struct{}

func (u *unselectCommand) Name() string { return "UNSELECT" }

func (u *unselectCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if err := sess.LeaveSelected(ctx, false); err != nil {
		return Response{Status: "NO", Message: "Failed to unselect mailbox"}, nil
	}
	return Response{Status: "OK", Message: "UNSELECT completed"}, nil
}

type createCommand struct{}

func (c *createCommand) Name() string { return "CREATE" }

func (c *createCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if len(args) != 1 {
		return Response{Status: "BAD", Message: "CREATE requires a mailbox name"}, nil
	}
	if err := sess.StoreSession().Create(ctx, args[0]); err != nil {
		if err == store.ErrMailboxExists {
			return Response{Status: "NO", Message: "Mailbox already exists"}, nil
		}
		return Response{Status: "NO", Message: "CREATE failed"}, nil
	}
	return Response{Status: "OK", Message: "CREATE completed"}, nil
}

type deleteCommand struct{}

func (d *deleteCommand) Name() string { return "DELETE" }

func (d *deleteCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if len(args) != 1 {
		return Response{Status: "BAD", Message: "DELETE requires a mailbox name"}, nil
	}
	if err := sess.StoreSession().Delete(ctx, args[0]); err != nil {
		return Response{Status: "NO", Message: "DELETE failed"}, nil
	}
	return Response{Status: "OK", Message: "DELETE completed"}, nil
}

type renameCommand struct{}

func (r *renameCommand) Name() string { return "RENAME" }

func (r *renameCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if len(args) != 2 {
		return Response{Status: "BAD", Message: "RENAME requires old and new mailbox names"}, nil
	}
	if err := sess.StoreSession().Rename(ctx, args[0], args[1]); err != nil {
		return Response{Status: "NO", Message: "RENAME failed"}, nil
	}
	return Response{Status: "OK", Message: "RENAME completed"}, nil
}

type subscribeCommand struct{}

func (s *subscribeCommand) Name() string { return "SUBSCRIBE" }

func (s *subscribeCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if len(args) != 1 {
		return Response{Status: "BAD", Message: "SUBSCRIBE requires a mailbox name"}, nil
	}
	if err := sess.StoreSession().Subscribe(ctx, args[0]); err != nil {
		return Response{Status: "NO", Message: "SUBSCRIBE failed"}, nil
	}
	return Response{Status: "OK", Message: "SUBSCRIBE completed"}, nil
}

type unsubscribeCommand struct{}

func (u *unsubscribeCommand) Name() string { return "UNSUBSCRIBE" }

func (u *unsubscribeCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if len(args) != 1 {
		return Response{Status: "BAD", Message: "UNSUBSCRIBE requires a mailbox name"}, nil
	}
	if err := sess.StoreSession().Unsubscribe(ctx, args[0]); err != nil {
		return Response{Status: "NO", Message: "UNSUBSCRIBE failed"}, nil
	}
	return Response{Status: "OK", Message: "UNSUBSCRIBE completed"}, nil
}

// formatListEntry renders one MailboxAttrs as a LIST/LSUB untagged line.
func formatListEntry(verb string, a store.MailboxAttrs) string {
	var flags []string
	if a.NoSelect {
		flags = append(flags, "\\Noselect")
	}
	if a.NoInferiors {
		flags = append(flags, "\\Noinferiors")
	}
	if a.Subscribed {
		flags = append(flags, "\\Subscribed")
	}
	return fmt.Sprintf("%s (%s) %q %q", verb, strings.Join(flags, " "), string(a.Delimiter), a.Name)
}

type listCommand struct{}

func (l *listCommand) Name() string { return "LIST" }

func (l *listCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if len(args) != 2 {
		return Response{Status: "BAD", Message: "LIST requires a reference and a mailbox pattern"}, nil
	}
	entries, err := sess.StoreSession().List(ctx, args[0], args[1])
	if err != nil {
		return Response{Status: "NO", Message: "LIST failed"}, nil
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = formatListEntry("LIST", e)
	}
	return Response{Status: "OK", Message: "LIST completed", Untagged: lines}, nil
}

type lsubCommand struct{}

func (l *lsubCommand) Name() string { return "LSUB" }

func (l *lsubCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if len(args) != 2 {
		return Response{Status: "BAD", Message: "LSUB requires a reference and a mailbox pattern"}, nil
	}
	entries, err := sess.StoreSession().ListSubscribed(ctx, args[0], args[1])
	if err != nil {
		return Response{Status: "NO", Message: "LSUB failed"}, nil
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = formatListEntry("LSUB", e)
	}
	return Response{Status: "OK", Message: "LSUB completed", Untagged: lines}, nil
}

// namespaceCommand implements NAMESPACE (RFC 9051 §6.3.9). A single-realm
// server originates only the personal namespace; shared and other-users
// categories are reported NIL rather than invented.
type namespaceCommand struct{}

func (n *namespaceCommand) Name() string { return "NAMESPACE" }

func (n *namespaceCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	delim := sess.StoreSession().HierarchyDelimiter()
	personal := sess.StoreSession().PersonalNamespace()
	line := fmt.Sprintf("NAMESPACE ((%q %q)) NIL NIL", personal, string(delim))
	return Response{Status: "OK", Message: "NAMESPACE completed", Untagged: []string{line}}, nil
}

// statusItem maps a requested STATUS data item to its rendered value.
func statusItem(ctx context.Context, mbox store.Mailbox, item string) (string, error) {
	switch strings.ToUpper(item) {
	case "MESSAGES":
		n, err := mbox.MessageCount(ctx)
		return fmt.Sprintf("MESSAGES %d", n), err
	case "RECENT":
		return "RECENT 0", nil
	case "UIDNEXT":
		n, err := mbox.UIDNext(ctx)
		return fmt.Sprintf("UIDNEXT %d", n), err
	case "UIDVALIDITY":
		n, err := mbox.UIDValidity(ctx)
		return fmt.Sprintf("UIDVALIDITY %d", n), err
	case "UNSEEN":
		msgs, err := mbox.GetMessageList(ctx)
		if err != nil {
			return "", err
		}
		var unseen int
		for _, m := range msgs {
			if !hasFlag(m.Flags, "\\Seen") {
				unseen++
			}
		}
		return "UNSEEN " + strconv.Itoa(unseen), nil
	case "SIZE":
		n, err := mbox.MailboxSize(ctx)
		return fmt.Sprintf("SIZE %d", n), err
	default:
		return "", fmt.Errorf("imap: unsupported STATUS item %q", item)
	}
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// statusCommand implements STATUS (RFC 9051 §6.3.11).
type statusCommand struct{}

func (s *statusCommand) Name() string { return "STATUS" }

func (s *statusCommand) Execute(ctx context.Context, sess *Session, conn Conn, tag string, args []string) (Response, error) {
	if len(args) < 2 {
		return Response{Status: "BAD", Message: "STATUS requires a mailbox name and an item list"}, nil
	}
	name := args[0]
	items := stripParens(args[1:])
	if len(items) == 0 {
		return Response{Status: "BAD", Message: "STATUS requires at least one data item"}, nil
	}

	mbox, err := sess.StoreSession().OpenMailbox(ctx, name, true)
	if err != nil {
		if err == store.ErrNoSuchMailbox {
			return Response{Status: "NO", Message: "Mailbox does not exist"}, nil
		}
		return Response{Status: "NO", Message: "STATUS failed"}, nil
	}
	defer mbox.Close(ctx, false)

	rendered := make([]string, 0, len(items))
	for _, item := range items {
		v, err := statusItem(ctx, mbox, item)
		if err != nil {
			return Response{Status: "BAD", Message: fmt.Sprintf("Unsupported STATUS item %q", item)}, nil
		}
		rendered = append(rendered, v)
	}

	line := fmt.Sprintf("STATUS %q (%s)", name, strings.Join(rendered, " "))
	return Response{Status: "OK", Message: "STATUS completed", Untagged: []string{line}}, nil
}

// stripParens removes a single layer of surrounding parentheses from a
// tokenized argument list, e.g. ["(MESSAGES", "UIDNEXT)"] -> ["MESSAGES", "UIDNEXT"].
func stripParens(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	if len(out) > 0 {
		out[0] = strings.TrimPrefix(out[0], "(")
		out[len(out)-1] = strings.TrimSuffix(out[len(out)-1], ")")
	}
	return out
}

// RegisterMailboxCommands registers every AUTHENTICATED/SELECTED-phase
// mailbox-management command into r.
func RegisterMailboxCommands(r *Registry) {
	r.Register(&selectCommand{})
	r.Register(&examineCommand{})
	r.Register(&closeCommand{})
	r.Register(&unselectCommand{})
	r.Register(&createCommand{})
	r.Register(&deleteCommand{})
	r.Register(&renameCommand{})
	r.Register(&subscribeCommand{})
	r.Register(&unsubscribeCommand{})
	r.Register(&listCommand{})
	r.Register(&lsubCommand{})
	r.Register(&namespaceCommand{})
	r.Register(&statusCommand{})
}
