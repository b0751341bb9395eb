package pop3

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/infodancer/mailcore/internal/store"
)

// liveMessages returns the mailbox's messages that are not marked
// deleted, in sequence order. POP3's STAT/LIST/UIDL must not count
// messages DELE has already marked, even though they are only removed
// from the mailbox on QUIT's expunge.
func liveMessages(ctx context.Context, mbox store.Mailbox) ([]store.MessageDescriptor, error) {
	all, err := mbox.GetMessageList(ctx)
	if err != nil {
		return nil, err
	}
	live := make([]store.MessageDescriptor, 0, len(all))
	for _, m := range all {
		deleted, err := mbox.IsDeleted(ctx, m.Seq)
		if err != nil {
			return nil, err
		}
		if !deleted {
			live = append(live, m)
		}
	}
	return live, nil
}

// resolveMessage looks up a message by sequence number, rejecting
// numbers that don't exist or that are marked for deletion.
func resolveMessage(ctx context.Context, mbox store.Mailbox, seq int) (*store.MessageDescriptor, error) {
	deleted, err := mbox.IsDeleted(ctx, seq)
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, store.ErrNoSuchMessage
	}
	return mbox.GetMessage(ctx, seq)
}

// statCommand implements the STAT command (RFC 1939).
type statCommand struct{}

func (s *statCommand) Name() string {
	return "STAT"
}

func (s *statCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) > 0 {
		return Response{OK: false, Message: "STAT command takes no arguments"}, nil
	}

	messages, err := liveMessages(ctx, sess.Mailbox())
	if err != nil {
		return Response{OK: false, Message: "Failed to read mailbox"}, nil
	}

	var size int64
	for _, m := range messages {
		size += m.Size
	}

	return Response{OK: true, Message: fmt.Sprintf("%d %d", len(messages), size)}, nil
}

// listCommand implements the LIST command (RFC 1939).
type listCommand struct{}

func (l *listCommand) Name() string {
	return "LIST"
}

func (l *listCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) == 0 {
		messages, err := liveMessages(ctx, sess.Mailbox())
		if err != nil {
			return Response{OK: false, Message: "Failed to read mailbox"}, nil
		}
		var size int64
		lines := make([]string, len(messages))
		for i, m := range messages {
			lines[i] = fmt.Sprintf("%d %d", m.Seq, m.Size)
			size += m.Size
		}
		return Response{
			OK:      true,
			Message: fmt.Sprintf("%d messages (%d octets)", len(messages), size),
			Lines:   lines,
		}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "LIST command takes at most one argument"}, nil
	}
	seq, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	msg, err := resolveMessage(ctx, sess.Mailbox(), seq)
	if err != nil {
		if errors.Is(err, store.ErrNoSuchMessage) {
			return Response{OK: false, Message: "No such message"}, nil
		}
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d %d", seq, msg.Size)}, nil
}

// retrCommand implements the RETR command (RFC 1939).
type retrCommand struct{}

func (r *retrCommand) Name() string {
	return "RETR"
}

func (r *retrCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "RETR command requires message number"}, nil
	}

	seq, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	msg, err := resolveMessage(ctx, sess.Mailbox(), seq)
	if err != nil {
		if errors.Is(err, store.ErrNoSuchMessage) {
			return Response{OK: false, Message: "No such message"}, nil
		}
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}

	reader, err := sess.Mailbox().GetMessageContent(ctx, seq)
	if err != nil {
		conn.Logger().Error("failed to retrieve message content", "seq", seq, "error", err.Error())
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}
	defer reader.Close()

	lines, err := readLines(reader)
	if err != nil {
		conn.Logger().Error("failed to read message content", "seq", seq, "error", err.Error())
		return Response{OK: false, Message: "Failed to read message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d octets", msg.Size), Lines: lines}, nil
}

// deleCommand implements the DELE command (RFC 1939).
type deleCommand struct{}

func (d *deleCommand) Name() string {
	return "DELE"
}

func (d *deleCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "DELE command requires message number"}, nil
	}

	seq, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	if _, err := resolveMessage(ctx, sess.Mailbox(), seq); err != nil {
		if errors.Is(err, store.ErrNoSuchMessage) {
			return Response{OK: false, Message: "No such message"}, nil
		}
		return Response{OK: false, Message: "Failed to delete message"}, nil
	}

	if err := sess.Mailbox().DeleteMessage(ctx, seq); err != nil {
		return Response{OK: false, Message: "Failed to delete message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("message %d deleted", seq)}, nil
}

// rsetCommand implements the RSET command (RFC 1939).
type rsetCommand struct{}

func (r *rsetCommand) Name() string {
	return "RSET"
}

func (r *rsetCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) > 0 {
		return Response{OK: false, Message: "RSET command takes no arguments"}, nil
	}

	if err := sess.Mailbox().UndeleteAll(ctx); err != nil {
		return Response{OK: false, Message: "Failed to reset deletions"}, nil
	}

	count, err := sess.Mailbox().MessageCount(ctx)
	if err != nil {
		return Response{OK: false, Message: "Failed to read mailbox"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("maildrop has %d messages", count)}, nil
}

// noopCommand implements the NOOP command (RFC 1939).
type noopCommand struct{}

func (n *noopCommand) Name() string {
	return "NOOP"
}

func (n *noopCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "NOOP command takes no arguments"}, nil
	}
	return Response{OK: true, Message: ""}, nil
}

// uidlCommand implements the UIDL command (RFC 1939 extension).
type uidlCommand struct{}

func (u *uidlCommand) Name() string {
	return "UIDL"
}

func (u *uidlCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) == 0 {
		messages, err := liveMessages(ctx, sess.Mailbox())
		if err != nil {
			return Response{OK: false, Message: "Failed to read mailbox"}, nil
		}
		lines := make([]string, len(messages))
		for i, m := range messages {
			uid, err := sess.Mailbox().GetUniqueID(ctx, m.Seq)
			if err != nil {
				return Response{OK: false, Message: "Failed to read mailbox"}, nil
			}
			lines[i] = fmt.Sprintf("%d %s", m.Seq, uid)
		}
		return Response{OK: true, Message: "", Lines: lines}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "UIDL command takes at most one argument"}, nil
	}
	seq, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	if _, err := resolveMessage(ctx, sess.Mailbox(), seq); err != nil {
		if errors.Is(err, store.ErrNoSuchMessage) {
			return Response{OK: false, Message: "No such message"}, nil
		}
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}
	uid, err := sess.Mailbox().GetUniqueID(ctx, seq)
	if err != nil {
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d %s", seq, uid)}, nil
}

// topCommand implements the TOP command (RFC 2449).
type topCommand struct{}

func (t *topCommand) Name() string {
	return "TOP"
}

func (t *topCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}
	if len(args) != 2 {
		return Response{OK: false, Message: "TOP command requires message number and line count"}, nil
	}

	seq, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}
	lineCount, err := strconv.Atoi(args[1])
	if err != nil || lineCount < 0 {
		return Response{OK: false, Message: "Invalid line count"}, nil
	}

	if _, err := resolveMessage(ctx, sess.Mailbox(), seq); err != nil {
		if errors.Is(err, store.ErrNoSuchMessage) {
			return Response{OK: false, Message: "No such message"}, nil
		}
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}

	reader, err := sess.Mailbox().GetMessageTop(ctx, seq, lineCount)
	if err != nil {
		conn.Logger().Error("failed to retrieve message content", "seq", seq, "error", err.Error())
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}
	defer reader.Close()

	lines, err := readLines(reader)
	if err != nil {
		conn.Logger().Error("failed to parse message", "seq", seq, "error", err.Error())
		return Response{OK: false, Message: "Failed to read message"}, nil
	}

	return Response{OK: true, Message: "", Lines: lines}, nil
}

// readLines reads r fully and splits it into lines, dropping a trailing
// blank line produced by a final newline.
func readLines(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

// RegisterTransactionCommands registers every transaction-state command
// into r.
func RegisterTransactionCommands(r *Registry) {
	r.Register(&statCommand{})
	r.Register(&listCommand{})
	r.Register(&retrCommand{})
	r.Register(&deleCommand{})
	r.Register(&rsetCommand{})
	r.Register(&noopCommand{})
	r.Register(&uidlCommand{})
	r.Register(&topCommand{})
}
